package broker

import (
	"time"

	"github.com/lanternworks/rendezvous/internal/proto"
)

// Lobby is one live session. State machine: Open -> Sealed -> Terminated.
// Sealed is a one-way latch. All methods run under the broker mutex.
type Lobby struct {
	Code   string
	Host   int32 // peer identity of the current host
	Mesh   bool
	Sealed bool

	// peers in join order; host migration elects the first remaining.
	peers []*Peer

	// gameState is the opaque snapshot uploaded by the host, persisted
	// when the last member leaves.
	gameState []byte

	sealTimer *time.Timer

	// hostChangeBroadcast additionally notifies non-host members on a
	// migration. Off by default; clients only need the new host to know.
	hostChangeBroadcast bool
}

// inLobbyID is the identity a member is addressed by inside the lobby:
// the reserved id 1 for the host, the raw peer identity otherwise.
func (l *Lobby) inLobbyID(p *Peer) int64 {
	if p.ID == l.Host {
		return 1
	}
	return int64(p.ID)
}

// member resolves a raw peer identity to a current member.
func (l *Lobby) member(id int32) *Peer {
	for _, p := range l.peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// join admits a peer: sends it its ID frame (data "true" when the lobby is
// mesh mode), announces it to every existing member in join order, and
// mirrors the existing members back to it. The caller has already checked
// the sealed latch.
func (l *Lobby) join(p *Peer) *proto.Error {
	for _, m := range l.peers {
		if m.ID == p.ID {
			// Ambiguous routing; the identity is already taken here.
			return proto.NewError(proto.CloseProtocolError, "Duplicate peer identity")
		}
	}

	meshFlag := ""
	if l.Mesh {
		meshFlag = "true"
	}
	p.sendText(proto.CmdID, l.inLobbyID(p), meshFlag)

	newID := l.inLobbyID(p)
	for _, m := range l.peers {
		m.sendText(proto.CmdPeerConnect, newID, "")
		p.sendText(proto.CmdPeerConnect, l.inLobbyID(m), "")
	}

	l.peers = append(l.peers, p)
	return nil
}

// leave removes a peer. A departing host hands the role to the first
// remaining member, which alone is told it is now the host. The returned
// flag is true when the lobby emptied and should be torn down; the caller
// persists any game state and drops the lobby from the registry.
func (l *Lobby) leave(p *Peer) (shouldClose bool) {
	idx := -1
	for i, m := range l.peers {
		if m.ID == p.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	departedInLobbyID := l.inLobbyID(p)
	l.peers = append(l.peers[:idx], l.peers[idx+1:]...)

	if p.ID == l.Host {
		if len(l.peers) == 0 {
			return true
		}
		newHost := l.peers[0]
		l.Host = newHost.ID
		hostMigrations.Inc()
		newHost.sendText(proto.CmdHostChanged, 1, "You are now the host")
		if l.hostChangeBroadcast {
			for _, m := range l.peers[1:] {
				m.sendText(proto.CmdHostChanged, 1, "")
			}
		}
		return false
	}

	for _, m := range l.peers {
		m.sendText(proto.CmdPeerDisconnect, departedInLobbyID, "")
	}
	return false
}

// seal latches the lobby closed to new entrants, tells every member, and
// schedules the teardown that will close the remaining transports. Only
// the host may seal. The teardown timer is not cancellable.
func (l *Lobby) seal(p *Peer, after time.Duration, onExpire func()) *proto.Error {
	if p.ID != l.Host {
		return proto.NewError(proto.CloseProtocolError, "Only host can seal the lobby")
	}
	l.Sealed = true
	sealsTotal.Inc()
	for _, m := range l.peers {
		m.sendText(proto.CmdSeal, 0, "")
	}
	l.sealTimer = time.AfterFunc(after, onExpire)
	return nil
}

// updateGameState stores the uploaded snapshot verbatim. Host-only,
// enforced at dispatch.
func (l *Lobby) updateGameState(blob []byte) {
	cp := make([]byte, len(blob))
	copy(cp, blob)
	l.gameState = cp
}
