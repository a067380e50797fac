package sat

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-sat/obc/internal/command"
	"github.com/meridian-sat/obc/internal/link"
	"github.com/meridian-sat/obc/internal/observability"
	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/protocol/frame"
)

// runSession owns one ground contact: a receive task feeding the command
// queue and a transmit task draining the scheduler. Sequence state starts
// fresh on every contact.
func (c *Core) runSession(ctx context.Context, conn net.Conn) error {
	session := link.NewSession(c.clk.Now())
	c.resetLinkState()
	c.setSession(session)
	defer c.setSession(nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error { return c.receiveLoop(conn, session) })
	g.Go(func() error { return c.transmitLoop(ctx, conn, session) })
	return g.Wait()
}

// receiveLoop reads, authenticates and de-duplicates inbound frames.
// Frames that fail authentication or parsing are counted and discarded;
// they never reach the dispatcher. Pings are answered here so heartbeat
// latency does not depend on queue depth.
func (c *Core) receiveLoop(conn net.Conn, session *link.Session) error {
	limits := frame.DefaultLimits()
	for {
		body, err := frame.Read(conn, limits)
		if err != nil {
			if errors.Is(err, frame.ErrFrameTooLarge) || errors.Is(err, frame.ErrEmptyFrame) {
				// A framing violation desynchronizes the stream; drop the
				// contact and let the ground station reconnect.
				observability.RecordFrameReceived("framing")
				return err
			}
			return err
		}

		msg, err := c.codec.Decode(body, c.clk.Now())
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrAuthFailed):
				observability.RecordFrameReceived("auth_failed")
			case errors.Is(err, protocol.ErrUnknownType):
				observability.RecordFrameReceived("unknown_type")
			default:
				observability.RecordFrameReceived("malformed")
			}
			log.Warn().Err(err).Msg("inbound frame discarded")
			continue
		}
		observability.RecordFrameReceived("ok")

		if msg.Type == protocol.TypePing {
			c.observeHeartbeat(msg.Timestamp)
			c.scheduler.Enqueue(protocol.TypePingAck, nil)
		}

		if !session.AcceptRx(msg.Seq) {
			// Retransmission: the ping above was still acknowledged, but the
			// command must not run twice.
			log.Debug().Uint32("seq", msg.Seq).Stringer("type", msg.Type).Msg("duplicate frame ignored")
			continue
		}
		if msg.Type == protocol.TypePing {
			continue
		}

		if dropped, err := c.queue.Push(msg); errors.Is(err, command.ErrQueueOverflow) {
			log.Warn().
				Stringer("dropped", dropped.Type).
				Uint32("seq", dropped.Seq).
				Msg("command queue overflow")
			if payload, merr := protocol.MarshalPayload(protocol.ErrorPayload{
				Code:   protocol.CodeQueueOverflow,
				Detail: "command dropped: " + dropped.Type.String(),
			}); merr == nil {
				c.scheduler.Enqueue(protocol.TypeError, payload)
			}
		}
	}
}

// transmitLoop drains the scheduler in priority order, sealing each item
// with the next outbound sequence number at write time.
func (c *Core) transmitLoop(ctx context.Context, conn net.Conn, session *link.Session) error {
	limits := frame.DefaultLimits()
	for {
		item, err := c.scheduler.Next(ctx)
		if err != nil {
			return err
		}
		body, err := c.codec.Encode(item.Type, session.NextTxSeq(), item.Payload)
		if err != nil {
			// Encode failures are local bugs, not link faults; drop the item
			// rather than the contact.
			log.Error().Err(err).Stringer("type", item.Type).Msg("outbound encode failed")
			continue
		}
		if d := c.cfg.Link.WriteTimeout.Std(); d > 0 {
			conn.SetWriteDeadline(c.clk.Now().Add(d))
		}
		if err := frame.Write(conn, body, limits); err != nil {
			return err
		}
	}
}
