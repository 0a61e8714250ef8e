// Package broker holds the lobby registry and the per-connection protocol:
// join/create/restore, signaling relay with destination rewrite, host
// migration, sealing, and snapshot upload.
package broker

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lanternworks/rendezvous/internal/config"
	"github.com/lanternworks/rendezvous/internal/lobbycode"
	"github.com/lanternworks/rendezvous/internal/proto"
	"github.com/lanternworks/rendezvous/internal/snapshot"
)

// storeTimeout bounds the store round-trips a message handler may await
// (code allocation, snapshot fall-through).
const storeTimeout = 30 * time.Second

// Broker owns every lobby and peer in the process. One mutex serializes
// message handlers, lifecycle callbacks, and timer bodies, so each runs
// with exclusive access to the registry, member lists, and transports.
type Broker struct {
	cfg       *config.Config
	logger    zerolog.Logger
	codes     *lobbycode.Generator
	snapshots *snapshot.Cache

	mu      sync.Mutex
	lobbies map[string]*Lobby
	peers   map[int32]*Peer
}

// New returns an empty broker.
func New(cfg *config.Config, codes *lobbycode.Generator, snapshots *snapshot.Cache, logger zerolog.Logger) *Broker {
	return &Broker{
		cfg:       cfg,
		logger:    logger.With().Str("component", "broker").Logger(),
		codes:     codes,
		snapshots: snapshots,
		lobbies:   make(map[string]*Lobby),
		peers:     make(map[int32]*Peer),
	}
}

// Connect admits a new transport: enforces the peer capacity, draws a
// fresh 31-bit identity, and arms the join deadline. The returned error,
// if any, carries the close code and reason for the rejected transport.
func (b *Broker) Connect(transport Transport) (*Peer, *proto.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.peers) >= b.cfg.MaxPeers {
		protocolErrors.WithLabelValues("too_many_peers").Inc()
		return nil, proto.NewError(proto.CloseProtocolError, "Too many peers connected")
	}

	id := b.drawIdentityLocked()
	limiter := rate.NewLimiter(rate.Limit(b.cfg.MsgRate), b.cfg.MsgBurst)
	p := newPeer(id, transport, limiter)
	b.peers[id] = p
	peersConnected.Set(float64(len(b.peers)))

	p.armJoinDeadline(b.cfg.NoLobbyTimeout, func() {
		b.reapUnjoined(p)
	})

	b.logger.Debug().
		Int32("peer_id", id).
		Int("peers", len(b.peers)).
		Msg("Peer connected")
	return p, nil
}

// drawIdentityLocked picks a random positive 31-bit identity. The reserved
// values 0 and 1 and any identity already connected are redrawn; 1 would
// collide with the in-lobby host address.
func (b *Broker) drawIdentityLocked() int32 {
	for {
		id := rand.Int32()
		if id == 0 || id == 1 {
			continue
		}
		if _, taken := b.peers[id]; taken {
			continue
		}
		return id
	}
}

// reapUnjoined fires from the join deadline: a peer still outside any
// lobby is closed.
func (b *Broker) reapUnjoined(p *Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, connected := b.peers[p.ID]; !connected || p.Lobby != "" {
		return
	}
	protocolErrors.WithLabelValues("join_deadline").Inc()
	b.logger.Debug().Int32("peer_id", p.ID).Msg("Peer never joined a lobby, closing")
	p.transport.Close(proto.CloseProtocolError, "Have not joined lobby yet")
}

// HandleMessage processes one inbound frame from the peer. Protocol errors
// close the transport with their carried code and reason; anything else
// that escapes the handler is logged and closes with 4000. Frames from one
// connection arrive here serially via its read loop.
func (b *Broker) HandleMessage(p *Peer, binary bool, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Int32("peer_id", p.ID).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Message handler panic")
			protocolErrors.WithLabelValues("panic").Inc()
			p.transport.Close(proto.CloseProtocolError, "Server error")
		}
	}()

	b.mu.Lock()
	err := b.handleLocked(p, binary, payload)
	b.mu.Unlock()

	if err != nil {
		protocolErrors.WithLabelValues(err.Reason).Inc()
		b.logger.Debug().
			Int32("peer_id", p.ID).
			Int("close_code", err.Code).
			Str("reason", err.Reason).
			Msg("Protocol error")
		p.transport.Close(err.Code, err.Reason)
	}
}

func (b *Broker) handleLocked(p *Peer, binary bool, payload []byte) *proto.Error {
	if binary {
		return b.handleSnapshotUploadLocked(p, payload)
	}

	env, perr := proto.ParseEnvelope(payload)
	if perr != nil {
		return perr
	}

	if env.Type == proto.CmdJoin {
		// id 0 requests mesh mode, anything else star.
		return b.joinLobbyLocked(p, env.Data, env.ID == 0)
	}

	if p.Lobby == "" {
		return proto.NewError(proto.CloseProtocolError, "Invalid message when not in a lobby")
	}
	l, ok := b.lobbies[p.Lobby]
	if !ok {
		return proto.NewError(proto.CloseProtocolError, "Server error, lobby not found")
	}

	switch env.Type {
	case proto.CmdSeal:
		return l.seal(p, b.cfg.SealCloseTimeout, func() {
			b.sealComplete(l.Code)
		})
	case proto.CmdOffer, proto.CmdAnswer, proto.CmdCandidate:
		return b.relayLocked(l, p, env)
	default:
		return proto.NewError(proto.CloseProtocolError, "Invalid command")
	}
}

// handleSnapshotUploadLocked accepts a binary frame as the lobby's game
// state. Only the host of a joined lobby may upload.
func (b *Broker) handleSnapshotUploadLocked(p *Peer, payload []byte) *proto.Error {
	if p.Lobby == "" {
		return proto.NewError(proto.CloseProtocolError, "Invalid message when not in a lobby")
	}
	l, ok := b.lobbies[p.Lobby]
	if !ok {
		return proto.NewError(proto.CloseProtocolError, "Server error, lobby not found")
	}
	if p.ID != l.Host {
		return proto.NewError(proto.CloseProtocolError, "Only host can save game state")
	}
	l.updateGameState(payload)
	b.logger.Debug().
		Str("lobby", l.Code).
		Int("blob_bytes", len(payload)).
		Msg("Game state updated")
	return nil
}

// relayLocked forwards a signaling frame. The client-facing destination id
// 1 is rewritten to the host's real identity; the forwarded frame carries
// the sender's in-lobby id and the payload untouched.
func (b *Broker) relayLocked(l *Lobby, sender *Peer, env proto.Envelope) *proto.Error {
	destID := int32(env.ID)
	if env.ID == 1 {
		destID = l.Host
	}
	dest := l.member(destID)
	if dest == nil {
		return proto.NewError(proto.CloseProtocolError, "Invalid destination")
	}
	dest.sendText(env.Type, l.inLobbyID(sender), env.Data)
	relaysTotal.Inc()
	return nil
}

// joinLobbyLocked creates, restores, or attaches to a lobby. An empty
// requested code creates; a known code attaches unless sealed; an unknown
// code consults the snapshot layer and restores the lobby with this peer
// as host, replaying the persisted blob to it as a binary frame.
func (b *Broker) joinLobbyLocked(p *Peer, requestedCode string, mesh bool) *proto.Error {
	if p.Lobby != "" {
		return proto.NewError(proto.CloseProtocolError, "Already in a lobby")
	}

	var l *Lobby
	var restored []byte

	if requestedCode == "" {
		if len(b.lobbies) >= b.cfg.MaxLobbies {
			return proto.NewError(proto.CloseProtocolError, "Too many lobbies open")
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		code, err := b.codes.Next(ctx)
		cancel()
		if err != nil {
			b.logger.Error().Err(err).Msg("Failed to allocate lobby code")
			return proto.NewError(proto.CloseProtocolError, "Server error")
		}
		l = b.newLobbyLocked(code, p.ID, mesh)
		b.logger.Info().
			Str("lobby", code).
			Int32("host", p.ID).
			Bool("mesh", mesh).
			Msg("Lobby created")
	} else if existing, ok := b.lobbies[requestedCode]; ok {
		if existing.Sealed {
			return proto.NewError(proto.CloseProtocolError, "Lobby is sealed")
		}
		l = existing
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		blob, found, err := b.snapshots.Load(ctx, requestedCode)
		cancel()
		if err != nil {
			b.logger.Error().
				Err(err).
				Str("lobby", requestedCode).
				Msg("Snapshot lookup failed")
			return proto.NewError(proto.CloseProtocolError, "Server error")
		}
		if !found {
			return proto.NewError(proto.CloseProtocolError, "Lobby does not exists")
		}
		if len(b.lobbies) >= b.cfg.MaxLobbies {
			return proto.NewError(proto.CloseProtocolError, "Too many lobbies open")
		}
		l = b.newLobbyLocked(requestedCode, p.ID, mesh)
		l.gameState = blob
		restored = blob
		restoresTotal.Inc()
		b.logger.Info().
			Str("lobby", requestedCode).
			Int32("host", p.ID).
			Int("blob_bytes", len(blob)).
			Msg("Lobby restored from snapshot")
	}

	if err := l.join(p); err != nil {
		if len(l.peers) == 0 {
			// A fresh lobby the peer could not enter has no members.
			delete(b.lobbies, l.Code)
			lobbiesOpen.Set(float64(len(b.lobbies)))
		}
		return err
	}
	p.Lobby = l.Code
	p.cancelJoinDeadline()
	joinsTotal.Inc()

	p.sendText(proto.CmdJoin, 0, l.Code)
	if restored != nil {
		p.transport.SendBinary(restored)
	}
	return nil
}

func (b *Broker) newLobbyLocked(code string, host int32, mesh bool) *Lobby {
	l := &Lobby{
		Code:                code,
		Host:                host,
		Mesh:                mesh,
		hostChangeBroadcast: b.cfg.HostChangeBroadcast,
	}
	b.lobbies[code] = l
	lobbiesCreated.Inc()
	lobbiesOpen.Set(float64(len(b.lobbies)))
	return l
}

// sealComplete is the seal timer body: close every remaining member with a
// normal close. The leave cascade from the closed transports persists the
// game state and removes the lobby.
func (b *Broker) sealComplete(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lobbies[code]
	if !ok {
		return
	}
	b.logger.Info().
		Str("lobby", code).
		Int("members", len(l.peers)).
		Msg("Seal timeout reached, closing members")
	for _, m := range l.peers {
		m.transport.Close(proto.CloseNormal, "Seal complete")
	}
}

// DisconnectPeer finalizes a closed connection: cancels the join deadline,
// runs the lobby leave cascade, persists the snapshot when the lobby
// emptied, and releases the identity.
func (b *Broker) DisconnectPeer(p *Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, connected := b.peers[p.ID]; !connected {
		return
	}
	delete(b.peers, p.ID)
	peersConnected.Set(float64(len(b.peers)))
	p.cancelJoinDeadline()

	if p.Lobby == "" {
		return
	}
	l, ok := b.lobbies[p.Lobby]
	if !ok {
		return
	}
	if l.leave(p) {
		if l.gameState != nil {
			b.snapshots.Save(l.Code, l.gameState)
			b.logger.Info().
				Str("lobby", l.Code).
				Int("blob_bytes", len(l.gameState)).
				Msg("Lobby emptied, snapshot saved")
		}
		delete(b.lobbies, l.Code)
		lobbiesOpen.Set(float64(len(b.lobbies)))
		b.logger.Debug().Str("lobby", l.Code).Msg("Lobby closed")
	}
}

// CloseAll closes every connected transport, used on shutdown.
func (b *Broker) CloseAll(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.peers {
		p.transport.Close(code, reason)
	}
}

// Counts returns the current peer and lobby counts.
func (b *Broker) Counts() (peers, lobbies int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers), len(b.lobbies)
}

// AllowMessage applies the per-peer inbound rate limit. A rejected frame
// is dropped by the caller, never a reason to disconnect.
func (b *Broker) AllowMessage(p *Peer) bool {
	if p.limiter.Allow() {
		return true
	}
	framesRateLimited.Inc()
	return false
}
