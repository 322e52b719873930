// Package metrics holds the bridge's Prometheus collectors. They are
// registered with the default registry and served by the web server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vlxmqttha"

var (
	// FramesSent counts KLF200 frames written. Labels: command.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "klf200",
		Name:      "frames_sent_total",
		Help:      "KLF200 API frames sent, by command",
	}, []string{"command"})

	// FramesReceived counts KLF200 frames read. Labels: command.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "klf200",
		Name:      "frames_received_total",
		Help:      "KLF200 API frames received, by command",
	}, []string{"command"})

	// GatewayConnected is 1 while a KLF200 session is established.
	GatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "klf200",
		Name:      "connected",
		Help:      "Whether the KLF200 session is established",
	})

	// CoverPosition is the last published position in percent closed.
	// Labels: node (unique id).
	CoverPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cover",
		Name:      "position_percent",
		Help:      "Last published cover position, 0 open and 100 closed",
	}, []string{"node"})

	// MQTTConnected is 1 while the broker connection is up.
	MQTTConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mqtt",
		Name:      "connected",
		Help:      "Whether the MQTT broker connection is up",
	})

	// MQTTCommands counts inbound commands.
	// Labels: entity (cover, switch), result (ok, invalid, error, throttled, dropped).
	MQTTCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mqtt",
		Name:      "commands_total",
		Help:      "Inbound MQTT commands by entity kind and result",
	}, []string{"entity", "result"})

	// MQTTPublishFailures counts publishes that returned an error.
	MQTTPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mqtt",
		Name:      "publish_failures_total",
		Help:      "MQTT publishes that failed",
	})

	// EventsDropped counts bus events not delivered to a subscriber
	// whose buffer was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Status events dropped for slow subscribers",
	})

	// SessionRestarts counts supervised sessions restarted after a
	// failure. Labels: watcher.
	SessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connwatch",
		Name:      "restarts_total",
		Help:      "Supervised session restarts after a failure",
	}, []string{"watcher"})
)
