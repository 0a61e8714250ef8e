package broker

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds a single frame write before the connection is
	// considered dead.
	writeWait = 10 * time.Second

	// sendQueueSize is the per-peer outbound buffer. Lobby fanout is small
	// (a handful of members) so the queue only fills for a stalled client.
	sendQueueSize = 64

	// slowClientStrikes is how many consecutive full-queue drops a peer
	// gets before being disconnected.
	slowClientStrikes = 8
)

// Transport is one client connection as the broker sees it. Sends are
// non-blocking; the returned bool reports whether the frame was queued.
type Transport interface {
	SendText(payload []byte) bool
	SendBinary(payload []byte) bool
	Close(code int, reason string)
}

type frame struct {
	op      ws.OpCode
	payload []byte
}

// wsTransport pairs a websocket connection with a single writer goroutine.
// All outbound traffic goes through the out channel; the pump owns the
// connection's write side, applies deadlines, and emits liveness pings.
type wsTransport struct {
	conn      net.Conn
	out       chan frame
	logger    zerolog.Logger
	pingEvery time.Duration

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string

	strikes    int32
	slowWarned int32
}

func newWSTransport(conn net.Conn, pingEvery time.Duration, logger zerolog.Logger) *wsTransport {
	return &wsTransport{
		conn:      conn,
		out:       make(chan frame, sendQueueSize),
		logger:    logger,
		pingEvery: pingEvery,
		closed:    make(chan struct{}),
	}
}

func (t *wsTransport) SendText(payload []byte) bool {
	return t.send(frame{op: ws.OpText, payload: payload})
}

func (t *wsTransport) SendBinary(payload []byte) bool {
	return t.send(frame{op: ws.OpBinary, payload: payload})
}

// send queues a frame without blocking. A full queue means the client is
// not draining; the frame is dropped, and after enough consecutive drops
// the connection is closed rather than letting it wedge the lobby.
func (t *wsTransport) send(f frame) bool {
	select {
	case <-t.closed:
		return false
	default:
	}

	select {
	case t.out <- f:
		atomic.StoreInt32(&t.strikes, 0)
		return true
	default:
		framesDropped.Inc()
		if atomic.CompareAndSwapInt32(&t.slowWarned, 0, 1) {
			t.logger.Warn().
				Int("queue_cap", cap(t.out)).
				Msg("Peer send queue full, dropping frame")
		}
		if atomic.AddInt32(&t.strikes, 1) >= slowClientStrikes {
			t.Close(int(ws.StatusPolicyViolation), "Client too slow to process messages")
		}
		return false
	}
}

// Close terminates the connection with the given close code and reason.
// Idempotent; only the first call's code and reason reach the client.
func (t *wsTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		t.closeCode = code
		t.closeReason = reason
		close(t.closed)
	})
}

// writePump is the connection's sole writer. It drains the send queue,
// pings on an interval, and on close writes the close frame before
// tearing the connection down. Runs until Close or a write error.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(t.pingEvery)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case f := <-t.out:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(t.conn, f.op, f.payload); err != nil {
				t.logger.Debug().
					Err(err).
					Int("frame_bytes", len(f.payload)).
					Msg("Failed to write frame")
				t.Close(int(ws.StatusAbnormalClosure), "")
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(t.conn, ws.OpPing, nil); err != nil {
				t.logger.Debug().
					Err(err).
					Msg("Failed to write ping")
				t.Close(int(ws.StatusAbnormalClosure), "")
				return
			}
		case <-t.closed:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusCode(t.closeCode), t.closeReason)
			ws.WriteFrame(t.conn, ws.NewCloseFrame(body))
			return
		}
	}
}
