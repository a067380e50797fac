package ground

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/protocol/frame"
	"github.com/meridian-sat/obc/internal/testutil/testlog"
)

var testKey = make([]byte, protocol.KeySize)

// fakeSatellite accepts one connection and answers with a scripted reply
// per received command.
func fakeSatellite(t *testing.T, handle func(msg protocol.Message) []protocol.Message) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	codec, err := protocol.NewCodec(testKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var seq uint32
		for {
			body, err := frame.Read(conn, frame.DefaultLimits())
			if err != nil {
				return
			}
			msg, err := codec.Decode(body, time.Now())
			if err != nil {
				continue
			}
			for _, reply := range handle(msg) {
				seq++
				out, err := codec.Encode(reply.Type, seq, reply.Payload)
				if err != nil {
					return
				}
				if err := frame.Write(conn, out, frame.DefaultLimits()); err != nil {
					return
				}
			}
		}
	}()
	return ln.Addr().String()
}

func TestClientPing(t *testing.T) {
	testlog.Start(t)
	addr := fakeSatellite(t, func(msg protocol.Message) []protocol.Message {
		if msg.Type == protocol.TypePing {
			return []protocol.Message{{Type: protocol.TypePingAck}}
		}
		return nil
	})

	c, err := Dial(context.Background(), addr, testKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Ping(2 * time.Second); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClientDoSkipsInterleavedTelemetry(t *testing.T) {
	testlog.Start(t)
	response, err := protocol.MarshalPayload(protocol.ResponsePayload{OK: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	addr := fakeSatellite(t, func(msg protocol.Message) []protocol.Message {
		if msg.Type != protocol.TypeInit {
			return nil
		}
		return []protocol.Message{
			{Type: protocol.TypeData, Payload: []byte{0x01}},
			{Type: protocol.TypeData, Payload: []byte{0x02}},
			{Type: protocol.TypeResponse, Payload: response},
		}
	})

	c, err := Dial(context.Background(), addr, testKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	payload, _ := protocol.MarshalPayload(protocol.InitPayload{Phase: 1})
	msg, err := c.Do(protocol.TypeInit, payload, 2*time.Second, protocol.TypeResponse)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if msg.Type != protocol.TypeResponse {
		t.Fatalf("expected response, got %v", msg.Type)
	}
}

func TestClientDoTimesOut(t *testing.T) {
	testlog.Start(t)
	addr := fakeSatellite(t, func(protocol.Message) []protocol.Message { return nil })

	c, err := Dial(context.Background(), addr, testKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Do(protocol.TypeStatus, nil, 100*time.Millisecond, protocol.TypeStatus)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClientBadKeySize(t *testing.T) {
	testlog.Start(t)
	if _, err := Dial(context.Background(), "127.0.0.1:1", []byte{1, 2, 3}); err == nil {
		t.Fatal("expected key size error")
	}
}
