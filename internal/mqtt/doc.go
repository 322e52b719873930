// Package mqtt manages the broker session and Home Assistant MQTT
// discovery for the bridge.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic, republishes the retained discovery config of
// every registered entity, re-subscribes to their command topics and
// replays the last state published on each state topic. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
//
// Inbound commands are routed by exact topic to the owning entity's
// handler and throttled by a token bucket.
package mqtt
