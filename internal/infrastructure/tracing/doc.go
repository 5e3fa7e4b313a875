/*
Package tracing provides request tracing and channel diagnostic events.

# Spans

Tracer implements lightweight spans for the admin HTTP API and the remote
ABI. Trace context travels in the X-Trace-ID / X-Span-ID headers (HTTP) and
the x-trace-id / x-span-id metadata keys (gRPC). Finished spans are buffered
(1000) and logged asynchronously.

	tracer := tracing.New("channels", logger)
	router.Use(tracing.HTTPMiddleware(tracer))
	server := grpc.NewServer(grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)))

# Channel events

Emitter carries {kind, channel_id, process_id} records for connect, dispose,
free, release, move and ownership transfers. Events go to the debug log, to
every Sink (Journal writes zstd-compressed NDJSON) and to live subscribers
such as the WebSocket stream. Emit never blocks the channel core; a full
buffer drops the event and bumps the Dropped counter.

	journal, _ := tracing.OpenJournal("events.ndjson.zst")
	emitter := tracing.NewEmitter(logger, 1024, journal)
	events, cancel := emitter.Subscribe(64)
	defer cancel()
*/
package tracing
