package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/lanternworks/rendezvous/internal/config"
	"github.com/lanternworks/rendezvous/internal/proto"
	"github.com/lanternworks/rendezvous/internal/snapshot"
)

// Server is the HTTP front of the broker: websocket upgrades on /ws,
// health on /health, Prometheus on /metrics, plus the periodic snapshot
// flush.
type Server struct {
	cfg       *config.Config
	logger    zerolog.Logger
	broker    *Broker
	snapshots *snapshot.Cache

	httpServer *http.Server
	startedAt  time.Time
	stopFlush  chan struct{}
}

// NewServer wires the HTTP mux around the broker.
func NewServer(cfg *config.Config, b *Broker, snapshots *snapshot.Cache, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		broker:    b,
		snapshots: snapshots,
		stopFlush: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}
	return s
}

// Start binds the listener and begins serving. Returns once the listener
// is bound; serving continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.httpServer.Addr, err)
	}
	s.startedAt = time.Now()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	go s.flushLoop()

	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Msg("Server listening")
	return nil
}

// Shutdown stops the listener, closes every peer, and flushes the
// snapshot cache one last time.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopFlush)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	s.broker.CloseAll(proto.CloseGoingAway, "Server shutting down")

	if err := s.snapshots.FlushAll(ctx); err != nil {
		return fmt.Errorf("final snapshot flush: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// flushLoop bulk-upserts the snapshot cache to the store on an interval.
// Non-reentrant; a slow flush delays the next tick.
func (s *Server) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := s.snapshots.FlushAll(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Periodic snapshot flush failed")
			}
			cancel()
		case <-s.stopFlush:
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("Failed to upgrade connection")
		return
	}

	transport := newWSTransport(conn, s.cfg.PingInterval, s.logger)
	go transport.writePump()

	peer, perr := s.broker.Connect(transport)
	if perr != nil {
		transport.Close(perr.Code, perr.Reason)
		return
	}
	go s.readPump(peer, transport, conn)
}

// readPump reads frames for one peer until the connection dies, feeding
// them to the broker in receive order. This serialization is what lets
// the broker treat each peer's frames as a sequential stream.
func (s *Server) readPump(peer *Peer, transport *wsTransport, conn net.Conn) {
	defer func() {
		s.broker.DisconnectPeer(peer)
		transport.Close(proto.CloseGoingAway, "")
	}()

	// Liveness: the writer pings every PingInterval; a client that stays
	// silent for three intervals is reaped by the read deadline.
	readWait := 3 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		switch op {
		case ws.OpText, ws.OpBinary:
			if !s.broker.AllowMessage(peer) {
				s.logger.Warn().
					Int32("peer_id", peer.ID).
					Int("rate", s.cfg.MsgRate).
					Int("burst", s.cfg.MsgBurst).
					Msg("Peer rate limited, dropping frame")
				continue
			}
			s.broker.HandleMessage(peer, op == ws.OpBinary, msg)
		case ws.OpPing:
			// Pongs are handled by the transport library.
		case ws.OpClose:
			return
		}
	}
}

// handleHealth reports capacity and memory checks: healthy, degraded
// (warnings), or unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	peers, lobbies := s.broker.Counts()
	peerPercent := float64(peers) / float64(s.cfg.MaxPeers) * 100
	lobbyPercent := float64(lobbies) / float64(s.cfg.MaxLobbies) * 100

	isHealthy := true
	warnings := []string{}
	errors := []string{}

	if peerPercent >= 100 {
		warnings = append(warnings, fmt.Sprintf("Server at full peer capacity (%d/%d)", peers, s.cfg.MaxPeers))
	} else if peerPercent > 90 {
		warnings = append(warnings, fmt.Sprintf("Server near peer capacity (%.1f%%)", peerPercent))
	}

	memPercent := 0.0
	vmem, err := mem.VirtualMemory()
	if err != nil {
		isHealthy = false
		errors = append(errors, fmt.Sprintf("Memory stats unavailable: %v", err))
	} else {
		memPercent = vmem.UsedPercent
		if vmem.UsedPercent > 95 {
			isHealthy = false
			errors = append(errors, fmt.Sprintf("Memory critically high (%.1f%%)", vmem.UsedPercent))
		} else if vmem.UsedPercent > 85 {
			warnings = append(warnings, fmt.Sprintf("Memory high (%.1f%%)", vmem.UsedPercent))
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !isHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": isHealthy,
		"checks": map[string]any{
			"peers": map[string]any{
				"current":    peers,
				"max":        s.cfg.MaxPeers,
				"percentage": peerPercent,
			},
			"lobbies": map[string]any{
				"current":    lobbies,
				"max":        s.cfg.MaxLobbies,
				"percentage": lobbyPercent,
			},
			"memory": map[string]any{
				"percentage": memPercent,
			},
		},
		"warnings": warnings,
		"errors":   errors,
		"uptime":   time.Since(s.startedAt).Seconds(),
	})
}
