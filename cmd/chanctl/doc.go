// Package main is chanctl, the operator CLI for the channel kernel.
//
// It talks to the admin HTTP API of a running server and prints tables, or
// JSON with -json.
//
// Usage:
//
//	chanctl [-addr http://localhost:8000] [-json] <command> [flags]
//
// Commands:
//   - health: Liveness and gauge summary
//   - stats: Kernel counters
//   - channels [-owner glob]: Channels, optionally filtered by owner name
//   - endpoints: Every live endpoint handle
//   - procs: Process table
//   - abi: ABI operation contract table
//   - events [-kinds move,free]: Follow diagnostic events until interrupted
package main
