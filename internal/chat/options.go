// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"time"

	"github.com/jeranaias/openyap/internal/config"
	"github.com/jeranaias/openyap/internal/model"
)

// Options tunes the pipeline.
type Options struct {
	FlushInterval   time.Duration
	FlushThreshold  int
	Timeout         time.Duration
	HistoryMessages int
	HistoryChars    int
	MaxMessageChars int
	SystemPrompt    string
	TitleModel      string
	// SubscriberBuffer is how many events a subscriber may lag behind.
	SubscriberBuffer int
}

// OptionsFromConfig derives Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FlushInterval:   cfg.Stream.FlushInterval(),
		FlushThreshold:  cfg.Stream.FlushThresholdBytes,
		Timeout:         cfg.Stream.Timeout(),
		HistoryMessages: cfg.Stream.HistoryMessages,
		HistoryChars:    cfg.Stream.HistoryChars,
		MaxMessageChars: cfg.Server.MaxMessageChars,
		SystemPrompt:    cfg.Stream.SystemPrompt,
		TitleModel:      cfg.Stream.TitleModel,
	}
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 2048
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	if o.HistoryMessages <= 0 {
		o.HistoryMessages = 50
	}
	if o.HistoryChars <= 0 {
		o.HistoryChars = 200000
	}
	if o.MaxMessageChars <= 0 {
		o.MaxMessageChars = 32000
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return o
}

// =============================================================================
// OBSERVER
// =============================================================================

// Observer receives pipeline measurements. telemetry.Metrics implements it.
type Observer interface {
	GenerationStarted(modelID string)
	FirstToken(modelID string, latency time.Duration)
	Flushed(modelID string, err error)
	GenerationFinished(modelID string, status model.MessageStatus, usage model.Usage, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) GenerationStarted(string)                                                   {}
func (nopObserver) FirstToken(string, time.Duration)                                           {}
func (nopObserver) Flushed(string, error)                                                      {}
func (nopObserver) GenerationFinished(string, model.MessageStatus, model.Usage, time.Duration) {}
