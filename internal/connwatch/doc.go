// Package connwatch keeps the bridge's external connections alive and
// reports their health.
//
// A [Watcher] supervises one service in one of two modes:
//
//   - Session mode runs a [SessionFunc] in a loop, used for the KLF200
//     gateway. A session that ends is restarted after an exponential
//     delay (2s, 4s, 8s ... capped at 60s). The delay starts over once a
//     session has stayed up for [Backoff.ResetAfter].
//   - Probe mode polls a [ProbeFunc], used for the MQTT broker, which
//     reconnects on its own.
//
// A [Manager] owns the watchers and aggregates their [ServiceStatus]
// for the health endpoint.
package connwatch
