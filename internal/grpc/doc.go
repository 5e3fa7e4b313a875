// Package grpc serves the channel ABI of one kernel over gRPC and provides
// a client for it.
//
// The service is described by a hand-written ServiceDesc and uses a JSON
// codec, so no generated stubs are involved. Method names follow the ABI
// table in package abi; a few read-only extras (Identity, Describe,
// Channels, Stats, Operations) and the server-streaming Events method are
// added on top.
//
// ABI errors map onto status codes:
//
//	invalid argument     -> InvalidArgument
//	stale or freed       -> NotFound
//	usage fault          -> FailedPrecondition
//	heap or slab full    -> ResourceExhausted
//	anything else        -> Internal
//
// A Wait that times out is not an error; the reply carries Signalled=false.
//
// Example:
//
//	c, err := grpc.Dial("localhost:50061", grpc.ClientOptions{})
//	pid, err := c.CreateProcess(ctx, "alpha", "")
//	h, err := c.AllocateEndpoint(ctx, pid.PID)
//	reply, err := c.Wait(ctx, h, time.Second)
package grpc
