/*
Package monitoring provides Prometheus metrics for the channel kernel.

# Overview

Metrics implements the channel registry's recorder hooks (connect, release,
dispose, free, notify, update records, pointer marshalling, moves, transfers,
faults and wait latency) alongside admin HTTP, ABI, gRPC and WebSocket
counters. Wait latencies are also kept in a rolling LatencyWindow summarised
with gonum/stat for the JSON stats endpoint.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))

	registry := channel.NewRegistry(channel.Options{Metrics: metrics})

	timer := monitoring.NewTimer(metrics, "connect")
	// ... perform operation ...
	timer.Stop("ok")

# Metrics Endpoint

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
