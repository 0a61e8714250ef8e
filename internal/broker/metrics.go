package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rendezvous_peers_connected",
		Help: "Current number of connected peers",
	})
	lobbiesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rendezvous_lobbies_open",
		Help: "Current number of live lobbies",
	})
	joinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_joins_total",
		Help: "Total successful lobby joins",
	})
	lobbiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_lobbies_created_total",
		Help: "Total lobbies created, restores included",
	})
	restoresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_lobby_restores_total",
		Help: "Total lobbies restored from a persisted snapshot",
	})
	relaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_signaling_relays_total",
		Help: "Total OFFER/ANSWER/CANDIDATE frames relayed between peers",
	})
	sealsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_seals_total",
		Help: "Total lobbies sealed",
	})
	hostMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_host_migrations_total",
		Help: "Total host role migrations after a host departure",
	})
	protocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendezvous_protocol_errors_total",
		Help: "Total protocol errors that closed a transport, by reason",
	}, []string{"reason"})
	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_frames_dropped_total",
		Help: "Total outbound frames dropped because a peer's send queue was full",
	})
	framesRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_frames_rate_limited_total",
		Help: "Total inbound frames dropped by the per-peer rate limiter",
	})
)
