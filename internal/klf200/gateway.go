package klf200

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjaehnel/vlxmqttha/internal/metrics"
)

// Config configures a [Gateway].
type Config struct {
	Host     string
	Port     int
	Password string

	// HeartbeatInterval is how often GET_STATE_REQ is sent to keep the
	// session alive. The gateway drops idle connections after a few
	// minutes. Default 30s.
	HeartbeatInterval time.Duration

	// CallTimeout bounds each request/confirmation exchange. Default 10s.
	CallTimeout time.Duration

	// CommandRate and CommandBurst throttle movement and limitation
	// requests. Defaults 5/s and 5.
	CommandRate  float64
	CommandBurst int

	// Dial overrides the transport, for tests. Defaults to TLS dial.
	Dial func(ctx context.Context) (net.Conn, error)

	Logger *slog.Logger
}

// NodeUpdateFunc receives a snapshot after a node changed. It runs on
// the connection's reader goroutine and must not block.
type NodeUpdateFunc func(Node)

// Gateway is a session with one KLF200: login, node table, heartbeat
// and node operations. A Gateway may be connected again after the
// previous session ended.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	conn      *Conn
	info      Info
	nodes     map[uint8]*Node
	listeners []NodeUpdateFunc
}

// New creates a Gateway. Call [Gateway.Connect] to open a session.
func New(cfg Config) *Gateway {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = 5
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		nodes:   make(map[uint8]*Node),
	}
}

// Addr returns the host:port the gateway dials.
func (g *Gateway) Addr() string {
	return net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
}

// OnNodeUpdate registers fn for node changes. Register before Connect.
func (g *Gateway) OnNodeUpdate(fn NodeUpdateFunc) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// Connect dials the gateway and runs the login sequence: password,
// version and protocol query, clock sync and house status monitor.
func (g *Gateway) Connect(ctx context.Context) error {
	var conn *Conn
	if g.cfg.Dial != nil {
		nc, err := g.cfg.Dial(ctx)
		if err != nil {
			return fmt.Errorf("dial %s: %w", g.Addr(), err)
		}
		conn = NewConn(nc, g.logger)
	} else {
		c, err := Dial(ctx, g.Addr(), g.logger)
		if err != nil {
			return err
		}
		conn = c
	}
	conn.OnNotification(g.handleNotification)

	if err := g.login(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	metrics.GatewayConnected.Set(1)

	g.logger.Info("klf200 connected",
		"addr", g.Addr(),
		"software_version", g.info.SoftwareVersion,
		"protocol_version", g.info.ProtocolVersion,
	)
	return nil
}

func (g *Gateway) login(ctx context.Context, conn *Conn) error {
	pw, err := passwordEnterReq(g.cfg.Password)
	if err != nil {
		return err
	}
	err = g.call(ctx, conn, Frame{Command: CmdPasswordEnterReq, Data: pw}, func(f Frame) (bool, error) {
		if f.Command != CmdPasswordEnterCfm {
			return false, nil
		}
		if len(f.Data) < 1 || f.Data[0] != 0 {
			return true, ErrLoginFailed
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var info Info
	err = g.call(ctx, conn, Frame{Command: CmdGetVersionReq}, func(f Frame) (bool, error) {
		if f.Command != CmdGetVersionCfm {
			return false, nil
		}
		return true, parseVersionCfm(f.Data, &info)
	})
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	err = g.call(ctx, conn, Frame{Command: CmdGetProtocolVersionReq}, func(f Frame) (bool, error) {
		if f.Command != CmdGetProtocolVersionCfm {
			return false, nil
		}
		return true, parseProtocolVersionCfm(f.Data, &info)
	})
	if err != nil {
		return fmt.Errorf("get protocol version: %w", err)
	}

	if err := g.call(ctx, conn, Frame{Command: CmdSetUTCReq, Data: setUTCReq(time.Now())}, Confirm(CmdSetUTCCfm)); err != nil {
		return fmt.Errorf("set utc: %w", err)
	}
	if err := g.call(ctx, conn, Frame{Command: CmdHouseStatusMonitorEnableReq}, Confirm(CmdHouseStatusMonitorEnableCfm)); err != nil {
		return fmt.Errorf("enable house status monitor: %w", err)
	}

	g.mu.Lock()
	g.info = info
	g.mu.Unlock()
	return nil
}

// call runs one exchange bounded by CallTimeout.
func (g *Gateway) call(ctx context.Context, conn *Conn, req Frame, match MatchFunc) error {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	err := conn.Call(callCtx, req, match)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%s: %w", req.Command, ErrTimeout)
	}
	return err
}

func (g *Gateway) current() (*Conn, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.conn == nil {
		return nil, ErrNotConnected
	}
	return g.conn, nil
}

// Info returns firmware details from the last login.
func (g *Gateway) Info() Info {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.info
}

// Disconnect closes the current session, if any.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn == nil {
		return nil
	}
	metrics.GatewayConnected.Set(0)
	g.logger.Info("klf200 disconnected", "addr", g.Addr())
	return conn.Close()
}

// Serve sends heartbeats until ctx is cancelled or the connection
// drops. It returns nil only when ctx was cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	conn, err := g.current()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return fmt.Errorf("klf200 session ended: %w", conn.closedErr())
		case <-ticker.C:
			if err := g.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// State queries the gateway state.
func (g *Gateway) State(ctx context.Context) (GatewayState, error) {
	conn, err := g.current()
	if err != nil {
		return GatewayState{}, err
	}
	var st GatewayState
	err = g.call(ctx, conn, Frame{Command: CmdGetStateReq}, func(f Frame) (bool, error) {
		if f.Command != CmdGetStateCfm {
			return false, nil
		}
		st, err = parseStateCfm(f.Data)
		return true, err
	})
	return st, err
}

// Ping checks that the session answers requests.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.State(ctx)
	return err
}

// Reboot asks the gateway to restart. The session ends shortly after.
func (g *Gateway) Reboot(ctx context.Context) error {
	conn, err := g.current()
	if err != nil {
		return err
	}
	return g.call(ctx, conn, Frame{Command: CmdRebootReq}, Confirm(CmdRebootCfm))
}

// LoadNodes replaces the node table with the gateway's system table.
// Limitations already known for surviving nodes are kept.
func (g *Gateway) LoadNodes(ctx context.Context) ([]Node, error) {
	conn, err := g.current()
	if err != nil {
		return nil, err
	}

	var (
		loaded []Node
		total  int
	)
	err = g.call(ctx, conn, Frame{Command: CmdGetAllNodesInformationReq}, func(f Frame) (bool, error) {
		switch f.Command {
		case CmdGetAllNodesInformationCfm:
			if len(f.Data) < 2 {
				return true, fmt.Errorf("%w: short confirmation", ErrInvalidFrame)
			}
			total = int(f.Data[1])
			// Status 1 means the system table is empty; no NTFs follow.
			return f.Data[0] != 0 || total == 0, nil
		case CmdGetAllNodesInformationNtf:
			n, err := parseNodeInformation(f.Command, f.Data)
			if err != nil {
				return true, err
			}
			loaded = append(loaded, n)
		case CmdGetAllNodesInformationFinishedNtf:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	if len(loaded) != total {
		g.logger.Warn("klf200 node count mismatch", "announced", total, "received", len(loaded))
	}

	g.mu.Lock()
	nodes := make(map[uint8]*Node, len(loaded))
	for i := range loaded {
		n := loaded[i]
		if prev, ok := g.nodes[n.ID]; ok {
			n.LimitMin, n.LimitMax = prev.LimitMin, prev.LimitMax
		}
		nodes[n.ID] = &n
	}
	g.nodes = nodes
	g.mu.Unlock()

	for _, n := range loaded {
		g.logger.Debug("klf200 node loaded",
			"node_id", n.ID, "name", n.Name, "type", n.Type.String(), "position", n.Position.String())
	}
	return g.Nodes(), nil
}

// Nodes returns a snapshot of the node table ordered by ID.
func (g *Gateway) Nodes() []Node {
	g.mu.RLock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b Node) int { return int(a.ID) - int(b.ID) })
	return out
}

// Node returns a snapshot of one node.
func (g *Gateway) Node(id uint8) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// update applies fn to a node under the lock and notifies listeners.
func (g *Gateway) update(id uint8, fn func(*Node)) {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		g.logger.Debug("klf200 notification for unknown node", "node_id", id)
		return
	}
	fn(n)
	snapshot := *n
	listeners := g.listeners
	g.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func (g *Gateway) handleNotification(f Frame) {
	switch f.Command {
	case CmdNodeStatePositionChangedNtf:
		pc, err := parsePositionChanged(f.Data)
		if err != nil {
			g.logger.Warn("klf200 bad position notification", "error", err)
			return
		}
		g.update(pc.NodeID, func(n *Node) {
			n.State = pc.State
			if pc.Position.Valid() {
				n.Position = pc.Position
			}
			n.Target = pc.Target
			n.FP = pc.FP
			n.RemainingTime = pc.RemainingTime
			n.Timestamp = pc.Timestamp
		})

	case CmdCommandRunStatusNtf:
		rs, err := parseRunStatus(f.Data)
		if err != nil {
			g.logger.Warn("klf200 bad run status notification", "error", err)
			return
		}
		if rs.Parameter != 0 || !rs.Value.Valid() {
			return
		}
		g.update(rs.NodeID, func(n *Node) { n.Position = rs.Value })

	case CmdGetNodeInformationNtf:
		info, err := parseNodeInformation(f.Command, f.Data)
		if err != nil {
			g.logger.Warn("klf200 bad node information", "error", err)
			return
		}
		g.mu.Lock()
		if prev, ok := g.nodes[info.ID]; ok {
			info.LimitMin, info.LimitMax = prev.LimitMin, prev.LimitMax
		}
		g.nodes[info.ID] = &info
		g.mu.Unlock()
		g.update(info.ID, func(*Node) {})

	case CmdNodeInformationChangedNtf:
		nc, err := parseNodeInformationChanged(f.Data)
		if err != nil {
			g.logger.Warn("klf200 bad node information change", "error", err)
			return
		}
		g.update(nc.NodeID, func(n *Node) {
			n.Name = nc.Name
			n.Order = nc.Order
			n.Placement = nc.Placement
			n.Variation = nc.Variation
		})

	case CmdLimitationStatusNtf:
		ls, err := parseLimitationStatus(f.Data)
		if err != nil {
			g.logger.Warn("klf200 bad limitation notification", "error", err)
			return
		}
		if ls.Parameter != 0 {
			return
		}
		g.update(ls.NodeID, func(n *Node) {
			n.LimitMin, n.LimitMax = 0, PositionMax
			if ls.Min.Valid() {
				n.LimitMin = ls.Min
			}
			if ls.Max.Valid() {
				n.LimitMax = ls.Max
			}
		})

	case CmdSessionFinishedNtf:
		session, err := parseSessionFinished(f.Data)
		if err != nil {
			g.logger.Warn("klf200 bad session finished notification", "error", err)
			return
		}
		g.logger.Debug("klf200 command session finished", "session", session)

	case CmdErrorNtf:
		code := byte(0)
		if len(f.Data) > 0 {
			code = f.Data[0]
		}
		g.logger.Warn("klf200 gateway error", "error", (&GatewayError{Code: code}).Error())
	}
}
