// Package ground is the station-side half of the link: it dials the
// payload computer, seals commands with the mission key and pairs replies
// to requests. The bench tool wraps it; nothing on the satellite imports
// it.
package ground

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/protocol/frame"
)

// ErrTimeout reports that the satellite did not answer in time.
var ErrTimeout = errors.New("ground: reply timeout")

type Client struct {
	conn   net.Conn
	codec  *protocol.Codec
	limits frame.Limits

	mu    sync.Mutex
	txSeq uint32
}

// Dial connects to the payload computer and prepares the sealed channel.
func Dial(ctx context.Context, addr string, key []byte) (*Client, error) {
	codec, err := protocol.NewCodec(key)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ground: dial %s: %w", addr, err)
	}
	log.Debug().Str("addr", addr).Msg("ground link connected")
	return &Client{conn: conn, codec: codec, limits: frame.DefaultLimits()}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Send seals and transmits one command.
func (c *Client) Send(typ protocol.MessageType, payload []byte) error {
	c.mu.Lock()
	c.txSeq++
	seq := c.txSeq
	c.mu.Unlock()

	body, err := c.codec.Encode(typ, seq, payload)
	if err != nil {
		return err
	}
	return frame.Write(c.conn, body, c.limits)
}

// Recv reads one downlink message, waiting at most timeout.
func (c *Client) Recv(timeout time.Duration) (protocol.Message, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	body, err := frame.Read(c.conn, c.limits)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return protocol.Message{}, ErrTimeout
		}
		return protocol.Message{}, err
	}
	return c.codec.Decode(body, time.Now())
}

// Do sends a command and waits for the first matching reply, skipping
// interleaved telemetry. want lists the acceptable reply types; an Error
// message always terminates the wait.
func (c *Client) Do(typ protocol.MessageType, payload []byte, timeout time.Duration, want ...protocol.MessageType) (protocol.Message, error) {
	if err := c.Send(typ, payload); err != nil {
		return protocol.Message{}, err
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Message{}, ErrTimeout
		}
		msg, err := c.Recv(remaining)
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Type == protocol.TypeError {
			return msg, nil
		}
		for _, w := range want {
			if msg.Type == w {
				return msg, nil
			}
		}
		log.Debug().Stringer("type", msg.Type).Msg("interleaved downlink skipped")
	}
}

// Ping sends one heartbeat and waits for its acknowledgement.
func (c *Client) Ping(timeout time.Duration) error {
	msg, err := c.Do(protocol.TypePing, nil, timeout, protocol.TypePingAck)
	if err != nil {
		return err
	}
	if msg.Type != protocol.TypePingAck {
		return fmt.Errorf("ground: unexpected reply %s", msg.Type)
	}
	return nil
}

// HeartbeatLoop pings at the given interval until ctx is canceled. Missed
// acknowledgements are logged and counted, never fatal: link recovery is
// the satellite's decision to make.
func (c *Client) HeartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Send(protocol.TypePing, nil); err != nil {
				return err
			}
		}
	}
}
