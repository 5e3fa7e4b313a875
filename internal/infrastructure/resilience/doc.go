/*
Package resilience provides the circuit breaker guarding remote kernel calls.

# Overview

Both remote clients (the gRPC ABI client and the admin HTTP client) wrap their
calls in a Breaker so an unreachable kernel fails fast instead of stacking up
timeouts. Settings.IsSuccessful lets a caller count well-formed rejections
(a channel usage fault, a 4xx) as healthy responses.

# Usage

	breaker := resilience.New("kernel-abi", resilience.Settings{
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	reply, err := resilience.Do(breaker, func() (*StatsReply, error) {
		return client.Stats(ctx)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open
*/
package resilience
