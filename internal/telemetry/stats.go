// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/openyap/internal/model"
)

// =============================================================================
// STATS
// =============================================================================

// Stats tracks generation counts and usage since process start. It backs
// the /health payload; Prometheus carries the same data for scraping.
type Stats struct {
	mu        sync.Mutex
	startTime time.Time
	active    int
	byStatus  map[model.MessageStatus]int64
	byModel   map[string]*ModelStats
	total     model.Usage
}

// ModelStats aggregates generations for one model.
type ModelStats struct {
	Model       string      `json:"model"`
	Generations int64       `json:"generations"`
	Usage       model.Usage `json:"usage"`
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	StartTime     time.Time    `json:"start_time"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Active        int          `json:"active_generations"`
	Done          int64        `json:"done"`
	Errored       int64        `json:"errored"`
	Aborted       int64        `json:"aborted"`
	Total         model.Usage  `json:"total_usage"`
	CostUSD       float64      `json:"cost_usd"`
	Models        []ModelStats `json:"models,omitempty"`
}

// NewStats creates an empty Stats starting now.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		byStatus:  make(map[model.MessageStatus]int64),
		byModel:   make(map[string]*ModelStats),
	}
}

func (s *Stats) started() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
}

func (s *Stats) finished(modelID string, status model.MessageStatus, usage model.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}
	s.byStatus[status]++
	s.total = s.total.Add(usage)

	ms := s.byModel[modelID]
	if ms == nil {
		ms = &ModelStats{Model: modelID}
		s.byModel[modelID] = ms
	}
	ms.Generations++
	ms.Usage = ms.Usage.Add(usage)
}

// Snapshot returns a copy of the current stats. Models are ordered by
// generation count, most used first.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		StartTime:     s.startTime,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Active:        s.active,
		Done:          s.byStatus[model.StatusDone],
		Errored:       s.byStatus[model.StatusError],
		Aborted:       s.byStatus[model.StatusAborted],
		Total:         s.total,
		CostUSD:       float64(s.total.CostMicros) / 1e6,
	}
	for _, ms := range s.byModel {
		snap.Models = append(snap.Models, *ms)
	}
	sort.Slice(snap.Models, func(i, j int) bool {
		if snap.Models[i].Generations != snap.Models[j].Generations {
			return snap.Models[i].Generations > snap.Models[j].Generations
		}
		return snap.Models[i].Model < snap.Models[j].Model
	})
	return snap
}
