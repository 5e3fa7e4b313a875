// Package server is the composition root of the channel kernel.
//
// NewServer builds, in order: logger, metrics, tracer, event emitter (with
// the optional zstd journal), channel registry, ABI kernel, admin router and
// gRPC server. Run serves HTTP and gRPC in one errgroup; the first listener
// failure or ctx cancellation stops both. Close shuts the kernel down and
// then the emitter and tracer, joining their errors.
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg, server.Options{})
//	err = srv.Run(ctx)
//	err = srv.Close()
package server
