// Package main is the entry point for the channel kernel daemon.
//
// The daemon hosts one channel registry and exposes it three ways:
//
//	gRPC  (ChannelABI)    → every ABI operation, event stream
//	HTTP  (/api/v1, gin)  → admin and debug API, /metrics
//	WS    (/events)       → live diagnostic events
//
// Configuration:
//   - Environment variables (12-factor)
//   - YAML or TOML file via -config
//   - CLI flags (override both)
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -grpc 0.0.0.0:50051
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
