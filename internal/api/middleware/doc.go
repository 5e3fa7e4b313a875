// Package middleware provides the admin API's HTTP middleware.
//
//   - CORS: cross-origin access with the trace headers exposed
//   - RateLimit: per-IP token buckets; idle clients are evicted after IdleTTL
//   - GlobalRateLimit: one bucket shared by every client
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
