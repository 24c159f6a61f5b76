// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides Prometheus metrics and in-process usage stats
// for openyap.
//
// # Key Types
//
//   - Metrics: Prometheus collectors on a private registry; implements
//     chat.Observer and records HTTP requests
//   - Stats: generation counts, token usage and cost since process start,
//     reported by /health
//
// # Usage
//
//	metrics := telemetry.New()
//	svc := chat.NewService(chat.Deps{Observer: metrics, ...}, opts)
//	router.Handle("/metrics", metrics.Handler())
//
// # Privacy
//
// Only counts and model names are recorded. Message content never reaches
// this package.
package telemetry
