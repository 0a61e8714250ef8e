package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lanternworks/rendezvous/internal/config"
	"github.com/lanternworks/rendezvous/internal/lobbycode"
	"github.com/lanternworks/rendezvous/internal/proto"
	"github.com/lanternworks/rendezvous/internal/snapshot"
)

// fakeTransport records every frame and the first close.
type fakeTransport struct {
	mu          sync.Mutex
	texts       [][]byte
	bins        [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func (t *fakeTransport) SendText(payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.texts = append(t.texts, append([]byte(nil), payload...))
	return true
}

func (t *fakeTransport) SendBinary(payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bins = append(t.bins, append([]byte(nil), payload...))
	return true
}

func (t *fakeTransport) Close(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
}

func (t *fakeTransport) frames(tb testing.TB) []proto.Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]proto.Envelope, len(t.texts))
	for i, raw := range t.texts {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			tb.Fatalf("frame %d is not an envelope: %s", i, raw)
		}
	}
	return out
}

func (t *fakeTransport) closedWith(tb testing.TB, code int, reason string) {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		tb.Fatalf("transport not closed; want close %d %q", code, reason)
	}
	if t.closeCode != code || t.closeReason != reason {
		tb.Fatalf("closed with %d %q; want %d %q", t.closeCode, t.closeReason, code, reason)
	}
}

// memBackend is an in-memory snapshot store backend.
type memBackend struct {
	mu     sync.Mutex
	stored map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{stored: make(map[string][]byte)}
}

func (m *memBackend) Upsert(_ context.Context, code string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[code] = append([]byte(nil), blob...)
	return nil
}

func (m *memBackend) UpsertBatch(ctx context.Context, entries []snapshot.Entry) error {
	for _, e := range entries {
		m.Upsert(ctx, e.Code, e.Blob)
	}
	return nil
}

func (m *memBackend) Load(_ context.Context, code string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.stored[code]
	return blob, ok, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxPeers:         64,
		MaxLobbies:       64,
		MaxSaveGames:     64,
		NoLobbyTimeout:   150 * time.Millisecond,
		SealCloseTimeout: 50 * time.Millisecond,
		PingInterval:     10 * time.Second,
		FlushInterval:    time.Hour,
		MsgRate:          1000,
		MsgBurst:         1000,
	}
}

func newTestBroker(t *testing.T, cfg *config.Config) (*Broker, *memBackend) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	backend := newMemBackend()
	cache := snapshot.NewCache(cfg.MaxSaveGames, backend, zerolog.Nop())
	gen, err := lobbycode.New(context.Background(), &lobbycode.MemoryCounter{}, 7, zerolog.Nop())
	require.NoError(t, err)
	return New(cfg, gen, cache, zerolog.Nop()), backend
}

func connect(t *testing.T, b *Broker) (*Peer, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	p, perr := b.Connect(tr)
	if perr != nil {
		t.Fatalf("Connect() rejected: %v", perr)
	}
	return p, tr
}

func sendText(b *Broker, p *Peer, cmd proto.Cmd, id int64, data string) {
	b.HandleMessage(p, false, proto.Message(cmd, id, data))
}

// createLobby makes p the host of a fresh lobby and returns its code.
func createLobby(t *testing.T, b *Broker, p *Peer, tr *fakeTransport, mesh bool) string {
	t.Helper()
	meshID := int64(1)
	if mesh {
		meshID = 0
	}
	sendText(b, p, proto.CmdJoin, meshID, "")
	frames := tr.frames(t)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, proto.CmdJoin, last.Type)
	require.NotEmpty(t, last.Data)
	return last.Data
}

func TestCreateAndSignal(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, true)
	require.True(t, lobbycode.Valid(code), "lobby code %q", code)

	// Creator gets its ID frame (host id 1, mesh flag) then the JOIN echo.
	aFrames := ta.frames(t)
	require.Len(t, aFrames, 2)
	require.Equal(t, proto.Envelope{Type: proto.CmdID, ID: 1, Data: "true"}, aFrames[0])
	require.Equal(t, proto.Envelope{Type: proto.CmdJoin, ID: 0, Data: code}, aFrames[1])

	pb, tb := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 0, code)

	// Host learns of the newcomer by its raw identity.
	aFrames = ta.frames(t)
	require.Len(t, aFrames, 3)
	require.Equal(t, proto.Envelope{Type: proto.CmdPeerConnect, ID: int64(pb.ID)}, aFrames[2])

	// Newcomer gets its ID frame, the host mirrored as 1, then the echo.
	bFrames := tb.frames(t)
	require.Len(t, bFrames, 3)
	require.Equal(t, proto.Envelope{Type: proto.CmdID, ID: int64(pb.ID), Data: "true"}, bFrames[0])
	require.Equal(t, proto.Envelope{Type: proto.CmdPeerConnect, ID: 1}, bFrames[1])
	require.Equal(t, proto.Envelope{Type: proto.CmdJoin, ID: 0, Data: code}, bFrames[2])

	// B offers to the host via the reserved id 1; A sees B's raw id.
	sendText(b, pb, proto.CmdOffer, 1, "sdp-offer")
	aFrames = ta.frames(t)
	require.Len(t, aFrames, 4)
	require.Equal(t, proto.Envelope{Type: proto.CmdOffer, ID: int64(pb.ID), Data: "sdp-offer"}, aFrames[3])

	// And the answer comes back addressed by raw id, stamped with host id 1.
	sendText(b, pa, proto.CmdAnswer, int64(pb.ID), "sdp-answer")
	bFrames = tb.frames(t)
	require.Len(t, bFrames, 4)
	require.Equal(t, proto.Envelope{Type: proto.CmdAnswer, ID: 1, Data: "sdp-answer"}, bFrames[3])
}

func TestHostMigration(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)
	pb, tb := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, code)
	pc, tc := connect(t, b)
	sendText(b, pc, proto.CmdJoin, 1, code)

	cBefore := len(tc.frames(t))

	b.DisconnectPeer(pa)

	// First remaining member becomes host and alone is told.
	bFrames := tb.frames(t)
	require.Equal(t, proto.Envelope{Type: proto.CmdHostChanged, ID: 1, Data: "You are now the host"},
		bFrames[len(bFrames)-1])
	require.Len(t, tc.frames(t), cBefore, "non-host members get no host-changed frame")

	// A newcomer sees the new host addressed as 1 and C by its raw id.
	pd, td := connect(t, b)
	sendText(b, pd, proto.CmdJoin, 1, code)
	dFrames := td.frames(t)
	require.Len(t, dFrames, 4)
	require.Equal(t, proto.Envelope{Type: proto.CmdPeerConnect, ID: 1}, dFrames[1])
	require.Equal(t, proto.Envelope{Type: proto.CmdPeerConnect, ID: int64(pc.ID)}, dFrames[2])

	// Routing to id 1 now reaches B.
	sendText(b, pd, proto.CmdOffer, 1, "sdp")
	bFrames = tb.frames(t)
	require.Equal(t, proto.Envelope{Type: proto.CmdOffer, ID: int64(pd.ID), Data: "sdp"},
		bFrames[len(bFrames)-1])
}

func TestHostMigrationBroadcastFlag(t *testing.T) {
	cfg := testConfig()
	cfg.HostChangeBroadcast = true
	b, _ := newTestBroker(t, cfg)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)
	pb, _ := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, code)
	pc, tc := connect(t, b)
	sendText(b, pc, proto.CmdJoin, 1, code)

	b.DisconnectPeer(pa)

	cFrames := tc.frames(t)
	require.Equal(t, proto.Envelope{Type: proto.CmdHostChanged, ID: 1},
		cFrames[len(cFrames)-1], "flag broadcasts host change to remaining members")
}

func TestPeerDisconnectBroadcast(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)
	pb, _ := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, code)

	b.DisconnectPeer(pb)

	aFrames := ta.frames(t)
	require.Equal(t, proto.Envelope{Type: proto.CmdPeerDisconnect, ID: int64(pb.ID)},
		aFrames[len(aFrames)-1])
}

func TestSeal(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)
	pb, tb := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, code)

	sendText(b, pa, proto.CmdSeal, 0, "")

	// Every member, host included, is told immediately.
	for _, tr := range []*fakeTransport{ta, tb} {
		frames := tr.frames(t)
		require.Equal(t, proto.Envelope{Type: proto.CmdSeal, ID: 0}, frames[len(frames)-1])
	}

	// Joining a sealed lobby is rejected.
	pe, te := connect(t, b)
	sendText(b, pe, proto.CmdJoin, 1, code)
	te.closedWith(t, proto.CloseProtocolError, "Lobby is sealed")

	// The teardown closes the remaining members normally.
	require.Eventually(t, func() bool {
		ta.mu.Lock()
		defer ta.mu.Unlock()
		return ta.closed
	}, time.Second, 5*time.Millisecond)
	ta.closedWith(t, proto.CloseNormal, "Seal complete")
	tb.closedWith(t, proto.CloseNormal, "Seal complete")
}

func TestSealNonHostRejected(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)
	pb, tb := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, code)

	sendText(b, pb, proto.CmdSeal, 0, "")
	tb.closedWith(t, proto.CloseProtocolError, "Only host can seal the lobby")
}

func TestSnapshotRestore(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)

	blob := bytes.Repeat([]byte{0xAB}, 512)
	b.HandleMessage(pa, true, blob)
	b.DisconnectPeer(pa)

	_, lobbies := b.Counts()
	require.Zero(t, lobbies, "emptied lobby should leave the registry")

	// A later peer joining with the same code resurrects the lobby as
	// host and receives the persisted blob as a binary frame.
	pe, te := connect(t, b)
	sendText(b, pe, proto.CmdJoin, 1, code)

	eFrames := te.frames(t)
	require.Len(t, eFrames, 2)
	require.Equal(t, proto.Envelope{Type: proto.CmdID, ID: 1}, eFrames[0])
	require.Equal(t, proto.Envelope{Type: proto.CmdJoin, ID: 0, Data: code}, eFrames[1])
	require.Len(t, te.bins, 1)
	require.Equal(t, blob, te.bins[0])
}

func TestSnapshotRestoreFromStore(t *testing.T) {
	// The blob lives only in the store backend, as after a cache eviction
	// or a process restart; the join must fall through and still restore.
	b, backend := newTestBroker(t, nil)
	blob := []byte("persisted elsewhere")
	backend.Upsert(context.Background(), "UKHR2N", blob)

	pe, te := connect(t, b)
	sendText(b, pe, proto.CmdJoin, 1, "UKHR2N")

	require.Len(t, te.bins, 1)
	require.Equal(t, blob, te.bins[0])
	_, lobbies := b.Counts()
	require.Equal(t, 1, lobbies)
}

func TestSnapshotUploadNonHostRejected(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)
	pb, tb := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, code)

	b.HandleMessage(pb, true, []byte("not yours"))
	tb.closedWith(t, proto.CloseProtocolError, "Only host can save game state")
}

func TestNoJoinReaper(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	_, tf := connect(t, b)
	require.Eventually(t, func() bool {
		tf.mu.Lock()
		defer tf.mu.Unlock()
		return tf.closed
	}, time.Second, 5*time.Millisecond)
	tf.closedWith(t, proto.CloseProtocolError, "Have not joined lobby yet")
}

func TestJoinCancelsReaper(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	createLobby(t, b, pa, ta, false)

	time.Sleep(350 * time.Millisecond)
	ta.mu.Lock()
	closed := ta.closed
	ta.mu.Unlock()
	require.False(t, closed, "joined peer must not be reaped")
}

func TestPeerCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeers = 1
	b, _ := newTestBroker(t, cfg)

	connect(t, b)
	tr := &fakeTransport{}
	_, perr := b.Connect(tr)
	require.NotNil(t, perr)
	require.Equal(t, "Too many peers connected", perr.Reason)
}

func TestLobbyCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLobbies = 1
	b, _ := newTestBroker(t, cfg)

	pa, ta := connect(t, b)
	createLobby(t, b, pa, ta, false)

	pb, tb := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, "")
	tb.closedWith(t, proto.CloseProtocolError, "Too many lobbies open")
}

func TestProtocolRejections(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pa, ta := connect(t, b)
	code := createLobby(t, b, pa, ta, false)
	pb, _ := connect(t, b)
	sendText(b, pb, proto.CmdJoin, 1, code)

	cases := []struct {
		name   string
		send   func(p *Peer)
		reason string
	}{
		{"malformed envelope", func(p *Peer) {
			b.HandleMessage(p, false, []byte(`{"type":"JOIN"}`))
		}, "Invalid message format"},
		{"signal before join", func(p *Peer) {
			sendText(b, p, proto.CmdOffer, 1, "sdp")
		}, "Invalid message when not in a lobby"},
		{"binary before join", func(p *Peer) {
			b.HandleMessage(p, true, []byte{1, 2, 3})
		}, "Invalid message when not in a lobby"},
		{"join unknown code", func(p *Peer) {
			sendText(b, p, proto.CmdJoin, 1, "ZZZZZZ")
		}, "Lobby does not exists"},
		{"unknown command", func(p *Peer) {
			sendText(b, p, proto.CmdJoin, 1, code)
			sendText(b, p, proto.CmdSaveGame, 0, "")
		}, "Invalid command"},
		{"invalid destination", func(p *Peer) {
			sendText(b, p, proto.CmdJoin, 1, code)
			sendText(b, p, proto.CmdOffer, 424242, "sdp")
		}, "Invalid destination"},
		{"double join", func(p *Peer) {
			sendText(b, p, proto.CmdJoin, 1, code)
			sendText(b, p, proto.CmdJoin, 1, "")
		}, "Already in a lobby"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, tr := connect(t, b)
			tc.send(p)
			tr.closedWith(t, proto.CloseProtocolError, tc.reason)
			b.DisconnectPeer(p)
		})
	}
}

func TestIdentityRange(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	for i := 0; i < 32; i++ {
		p, _ := connect(t, b)
		require.Greater(t, p.ID, int32(1), "identities 0 and 1 are reserved")
	}
}
