// Package client is the HTTP client for the kernel's admin API.
//
// Requests go through a token bucket, a circuit breaker and retryablehttp
// in that order. 4xx replies surface as *APIError and leave the breaker
// alone; transport failures and 5xx replies trip it.
//
// Example Usage:
//
//	c := client.New("http://localhost:8000", client.DefaultOptions())
//	stats, err := c.Stats(ctx)
//	err = c.Events(ctx, []string{"move"}, func(ev tracing.Event) error {
//		fmt.Println(ev.Kind, ev.ChannelID)
//		return nil
//	})
package client
