package klf200

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tjaehnel/vlxmqttha/internal/metrics"
)

// DefaultPort is the TLS port of the KLF200 API.
const DefaultPort = 51200

// levelTrace matches config.LevelTrace; frames are logged at this level.
const levelTrace = slog.Level(-8)

const (
	defaultWriteTimeout = 10 * time.Second
	waiterBuffer        = 64
)

// NotificationHandler receives every inbound frame. Handlers run on the
// connection's reader goroutine and must not block.
type NotificationHandler func(Frame)

// MatchFunc is consulted for each frame that arrives while a call is in
// flight. It returns done once the call's final frame has arrived, or
// an error to abort the call.
type MatchFunc func(Frame) (done bool, err error)

// Conn is a framed connection to a KLF200 gateway. A single reader
// goroutine decodes inbound frames and hands them to the in-flight
// call and to every registered notification handler. Calls are
// serialised: the gateway processes one request at a time.
type Conn struct {
	nc     net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	callMu  sync.Mutex

	mu       sync.Mutex
	waiter   chan Frame
	handlers []NotificationHandler
	session  uint16
	err      error

	done chan struct{}
}

// Dial opens a TLS connection to addr (host:port). The gateway presents
// a self-signed certificate, so the certificate chain is not verified.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // KLF200 uses a self-signed certificate
			MinVersion:         tls.VersionTLS12,
		},
	}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc, logger), nil
}

// NewConn wraps an established transport and starts the reader.
func NewConn(nc net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		nc:     nc,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnNotification registers h for every inbound frame.
func (c *Conn) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// NextSession returns a fresh session ID. IDs wrap around and skip 0.
func (c *Conn) NextSession() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session++
	if c.session == 0 {
		c.session = 1
	}
	return c.session
}

// Done is closed when the reader goroutine exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the transport. In-flight calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	err := c.nc.Close()
	<-c.done
	return err
}

// Send writes a single frame without waiting for a response.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	raw, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	c.logger.Log(ctx, levelTrace, "klf200 frame sent", "command", f.Command.String(), "data", fmt.Sprintf("% X", f.Data))
	if _, err := c.nc.Write(EncodeSLIP(raw)); err != nil {
		return fmt.Errorf("write %s: %w", f.Command, err)
	}
	metrics.FramesSent.WithLabelValues(f.Command.String()).Inc()
	return nil
}

// Call sends req and feeds inbound frames to match until it reports
// done. A GW_ERROR_NTF received during the call aborts it with a
// [*GatewayError].
func (c *Conn) Call(ctx context.Context, req Frame, match MatchFunc) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	ch := make(chan Frame, waiterBuffer)
	c.mu.Lock()
	c.waiter = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, req); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", req.Command, ctx.Err())
		case <-c.done:
			return fmt.Errorf("%s: %w", req.Command, c.closedErr())
		case f := <-ch:
			if f.Command == CmdErrorNtf {
				code := byte(0)
				if len(f.Data) > 0 {
					code = f.Data[0]
				}
				return fmt.Errorf("%s: %w", req.Command, &GatewayError{Code: code})
			}
			done, err := match(f)
			if err != nil {
				return fmt.Errorf("%s: %w", req.Command, err)
			}
			if done {
				return nil
			}
		}
	}
}

// Confirm is a MatchFunc that completes on the first frame with the
// given command.
func Confirm(cmd Command) MatchFunc {
	return func(f Frame) (bool, error) {
		return f.Command == cmd, nil
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	r := NewSLIPReader(c.nc)
	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			if errors.Is(err, ErrInvalidFrame) {
				c.logger.Warn("klf200 discarded malformed packet", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.fail(err)
			return
		}

		f, err := ParseFrame(pkt)
		if err != nil {
			c.logger.Warn("klf200 discarded invalid frame", "error", err)
			continue
		}
		metrics.FramesReceived.WithLabelValues(f.Command.String()).Inc()
		c.logger.Log(context.Background(), levelTrace, "klf200 frame received",
			"command", f.Command.String(), "data", fmt.Sprintf("% X", f.Data))

		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f Frame) {
	c.mu.Lock()
	handlers := c.handlers
	waiter := c.waiter
	c.mu.Unlock()

	for _, h := range handlers {
		h(f)
	}
	if waiter != nil {
		select {
		case waiter <- f:
		default:
			c.logger.Warn("klf200 call backlog full, frame dropped", "command", f.Command.String())
		}
	}
}

// fail records the first terminal error.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}
