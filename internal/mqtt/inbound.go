package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// commandGate throttles inbound commands with a token bucket.
type commandGate struct {
	limiter  *rate.Limiter
	accepted atomic.Int64
	dropped  atomic.Int64
	logger   *slog.Logger
}

func newCommandGate(perSecond float64, burst int, logger *slog.Logger) *commandGate {
	return &commandGate{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

// allow takes a token, counting the message as accepted or dropped.
func (g *commandGate) allow() bool {
	if g.limiter.Allow() {
		g.accepted.Add(1)
		return true
	}
	g.dropped.Add(1)
	return false
}

// report logs a summary every interval in which commands were dropped.
// It blocks until ctx is cancelled.
func (g *commandGate) report(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accepted := g.accepted.Swap(0)
			if dropped := g.dropped.Swap(0); dropped > 0 {
				g.logger.Warn("mqtt commands throttled",
					"accepted", accepted,
					"dropped", dropped,
					"window", every.String(),
					"rate", float64(g.limiter.Limit()),
					"burst", g.limiter.Burst(),
				)
			}
		}
	}
}

// logUnrouted records a message on a topic no entity owns. Only short
// printable payloads are included.
func logUnrouted(logger *slog.Logger, topic string, payload []byte) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{"topic", topic, "bytes", len(payload)}
	if len(payload) <= 64 && isText(payload) {
		attrs = append(attrs, "payload", string(payload))
	}
	logger.Debug("mqtt message on unrouted topic", attrs...)
}

func isText(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
