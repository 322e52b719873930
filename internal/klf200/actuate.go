package klf200

import (
	"context"
	"fmt"
)

// Open drives a node fully open.
func (g *Gateway) Open(ctx context.Context, nodeID uint8) error {
	return g.move(ctx, nodeID, 0)
}

// Close drives a node fully closed.
func (g *Gateway) Close(ctx context.Context, nodeID uint8) error {
	return g.move(ctx, nodeID, PositionMax)
}

// Stop halts a moving node at its current position.
func (g *Gateway) Stop(ctx context.Context, nodeID uint8) error {
	return g.move(ctx, nodeID, PositionCurrent)
}

// SetPosition moves a node to percent (0 open, 100 closed).
func (g *Gateway) SetPosition(ctx context.Context, nodeID uint8, percent int) error {
	pos, err := PositionFromPercent(percent)
	if err != nil {
		return err
	}
	return g.move(ctx, nodeID, pos)
}

func (g *Gateway) move(ctx context.Context, nodeID uint8, pos Position) error {
	conn, err := g.prepare(ctx, nodeID)
	if err != nil {
		return err
	}
	session := conn.NextSession()
	g.logger.Debug("klf200 command send", "node_id", nodeID, "session", session, "position", pos.String())
	err = g.call(ctx, conn, Frame{Command: CmdCommandSendReq, Data: commandSendReq(session, nodeID, pos)},
		acceptedBy(CmdCommandSendCfm, session))
	if err != nil {
		return fmt.Errorf("move node %d: %w", nodeID, err)
	}
	return nil
}

// SetLimitation restricts node movement to the range min..max percent
// for an unlimited time.
func (g *Gateway) SetLimitation(ctx context.Context, nodeID uint8, minPercent, maxPercent int) error {
	minPos, err := PositionFromPercent(minPercent)
	if err != nil {
		return err
	}
	maxPos, err := PositionFromPercent(maxPercent)
	if err != nil {
		return err
	}
	return g.limit(ctx, nodeID, minPos, maxPos, limitationTimeUnlimited)
}

// ClearLimitation removes every limitation from a node.
func (g *Gateway) ClearLimitation(ctx context.Context, nodeID uint8) error {
	return g.limit(ctx, nodeID, PositionIgnore, PositionIgnore, limitationTimeClearAll)
}

func (g *Gateway) limit(ctx context.Context, nodeID uint8, minPos, maxPos Position, limitTime uint8) error {
	conn, err := g.prepare(ctx, nodeID)
	if err != nil {
		return err
	}
	session := conn.NextSession()
	g.logger.Debug("klf200 set limitation",
		"node_id", nodeID, "session", session, "min", minPos.String(), "max", maxPos.String(), "time", limitTime)
	err = g.call(ctx, conn, Frame{Command: CmdSetLimitationReq, Data: setLimitationReq(session, nodeID, minPos, maxPos, limitTime)},
		acceptedBy(CmdSetLimitationCfm, session))
	if err != nil {
		return fmt.Errorf("set limitation of node %d: %w", nodeID, err)
	}
	return nil
}

// RefreshLimitation reads the current min and max limitation of a node.
// The result is applied to the node table and reported to listeners.
func (g *Gateway) RefreshLimitation(ctx context.Context, nodeID uint8) (Node, error) {
	for _, typ := range []uint8{limitationTypeMin, limitationTypeMax} {
		conn, err := g.prepare(ctx, nodeID)
		if err != nil {
			return Node{}, err
		}
		session := conn.NextSession()
		accepted := acceptedBy(CmdGetLimitationStatusCfm, session)
		err = g.call(ctx, conn, Frame{Command: CmdGetLimitationStatusReq, Data: getLimitationStatusReq(session, nodeID, typ)},
			func(f Frame) (bool, error) {
				switch f.Command {
				case CmdGetLimitationStatusCfm:
					_, err := accepted(f)
					return false, err
				case CmdLimitationStatusNtf:
					ls, err := parseLimitationStatus(f.Data)
					if err != nil {
						return true, err
					}
					return ls.Session == session, nil
				}
				return false, nil
			})
		if err != nil {
			return Node{}, fmt.Errorf("get limitation of node %d: %w", nodeID, err)
		}
	}
	n, _ := g.Node(nodeID)
	return n, nil
}

// prepare checks the node and waits for the command rate limiter.
func (g *Gateway) prepare(ctx context.Context, nodeID uint8) (*Conn, error) {
	conn, err := g.current()
	if err != nil {
		return nil, err
	}
	if _, ok := g.Node(nodeID); !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// acceptedBy matches the session confirmation cmd for session and
// fails the call when the gateway rejected the request.
func acceptedBy(cmd Command, session uint16) MatchFunc {
	return func(f Frame) (bool, error) {
		if f.Command != cmd {
			return false, nil
		}
		st, err := parseSessionStatus(cmd, f.Data)
		if err != nil {
			return true, err
		}
		if st.Session != session {
			return false, nil
		}
		if st.Status != statusAccepted {
			return true, fmt.Errorf("%w: status %d", ErrCommandRejected, st.Status)
		}
		return true, nil
	}
}
