package broker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lanternworks/rendezvous/internal/proto"
)

// Peer is one connected client. Identity is a random 31-bit value unique
// among currently connected peers; 0 and 1 are reserved (1 addresses the
// host inside a lobby) and never issued.
type Peer struct {
	ID        int32
	Lobby     string // lobby code, empty until the first successful JOIN
	transport Transport
	limiter   *rate.Limiter

	timerMu   sync.Mutex
	joinTimer *time.Timer
}

func newPeer(id int32, transport Transport, limiter *rate.Limiter) *Peer {
	return &Peer{ID: id, transport: transport, limiter: limiter}
}

// sendText queues a control frame for the peer.
func (p *Peer) sendText(cmd proto.Cmd, id int64, data string) {
	p.transport.SendText(proto.Message(cmd, id, data))
}

// armJoinDeadline schedules onExpire unless the deadline is cancelled
// first. A peer that never joins a lobby is reaped this way.
func (p *Peer) armJoinDeadline(d time.Duration, onExpire func()) {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	p.joinTimer = time.AfterFunc(d, onExpire)
}

// cancelJoinDeadline stops the join deadline. Safe to call repeatedly and
// after the timer has fired.
func (p *Peer) cancelJoinDeadline() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.joinTimer != nil {
		p.joinTimer.Stop()
		p.joinTimer = nil
	}
}
