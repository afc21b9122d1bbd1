/*
Package metrics provides Prometheus metrics collection and exposition for the
ledger's storage, merge, and sync subsystems.

Metrics are registered against the default Prometheus registry and exposed via
an HTTP handler for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - Register() at process startup            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Object store: piece count, GC reclaimed    │          │
	│  │  Commit graph: head count per page          │          │
	│  │  Merger: merges total, merge latency        │          │
	│  │  Cloud sync: upload state, unsynced count   │          │
	│  │  P2P sync: interested peer count            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Handler(): promhttp.Handler()            │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Health and readiness

RegisterComponent/UpdateComponent track per-component health; RequireCritical
lets the launcher declare which of those names gate readiness, rather than
this package hardcoding them. HealthHandler, ReadyHandler, and
LivenessHandler expose the usual three HTTP probes.

# Timers

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MergeDuration)

records elapsed wall-clock time against a histogram when the deferred call
runs.
*/
package metrics
