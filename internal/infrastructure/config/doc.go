// Package config provides 12-factor configuration for the channel kernel.
//
// Configuration is loaded from environment variables with sensible defaults,
// or from a YAML/TOML file layered over the same defaults.
//
// Configuration Sections:
//   - Server: admin HTTP server settings (port, host)
//   - GRPC: remote ABI listener
//   - Channel: block size, update log slots, slab sizing, colocation policy, heap capacity
//   - Tracing: diagnostic event buffer and optional journal path
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Admin API on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, GRPC_ADDR, GRPC_ENABLED
//   - CHANNEL_BLOCK_SIZE, CHANNEL_UPDATE_SLOTS, CHANNEL_SLAB_CHUNK, CHANNEL_SLAB_LIMIT
//   - CHANNEL_COLOCATION, HEAP_CAPACITY
//   - TRACE_BUFFER, TRACE_JOURNAL
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
