package snapshot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeBackend records store traffic and serves canned blobs.
type fakeBackend struct {
	mu        sync.Mutex
	stored    map[string][]byte
	upserts   []string
	batches   [][]Entry
	failNext  error
	upserted  chan string
	loadCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		stored:   make(map[string][]byte),
		upserted: make(chan string, 64),
	}
}

func (f *fakeBackend) Upsert(_ context.Context, code string, blob []byte) error {
	f.mu.Lock()
	err := f.failNext
	f.failNext = nil
	if err == nil {
		f.stored[code] = append([]byte(nil), blob...)
		f.upserts = append(f.upserts, code)
	}
	f.mu.Unlock()
	f.upserted <- code
	return err
}

func (f *fakeBackend) UpsertBatch(_ context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.batches = append(f.batches, entries)
	for _, e := range entries {
		f.stored[e.Code] = append([]byte(nil), e.Blob...)
	}
	return nil
}

func (f *fakeBackend) Load(_ context.Context, code string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	blob, ok := f.stored[code]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (f *fakeBackend) waitUpsert(t *testing.T) string {
	t.Helper()
	select {
	case code := <-f.upserted:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for store upsert")
		return ""
	}
}

func TestSaveLoadHas(t *testing.T) {
	c := NewCache(10, newFakeBackend(), zerolog.Nop())

	c.Save("UKHR2N", []byte{1, 2, 3})
	if !c.Has("UKHR2N") {
		t.Fatal("Has() = false after Save")
	}
	blob, ok, err := c.Load(context.Background(), "UKHR2N")
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v, %v", blob, ok, err)
	}
	if !bytes.Equal(blob, []byte{1, 2, 3}) {
		t.Errorf("Load() blob = %v", blob)
	}
	if c.Has("NOSUCH") {
		t.Error("Has() = true for absent code")
	}
}

func TestSaveOverwritesEntry(t *testing.T) {
	c := NewCache(10, newFakeBackend(), zerolog.Nop())
	c.Save("AAAAAA", []byte("old"))
	c.Save("AAAAAA", []byte("new"))
	if c.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", c.Len())
	}
	blob, _, _ := c.Load(context.Background(), "AAAAAA")
	if string(blob) != "new" {
		t.Errorf("Load() = %q; want %q", blob, "new")
	}
}

func TestEvictsOldestToStore(t *testing.T) {
	backend := newFakeBackend()
	c := NewCache(2, backend, zerolog.Nop())

	c.Save("OLDEST", []byte("one"))
	time.Sleep(2 * time.Millisecond)
	c.Save("MIDDLE", []byte("two"))
	time.Sleep(2 * time.Millisecond)
	c.Save("NEWEST", []byte("three"))

	if code := backend.waitUpsert(t); code != "OLDEST" {
		t.Fatalf("evicted %q; want OLDEST", code)
	}
	if c.Has("OLDEST") {
		t.Error("evicted entry still cached")
	}
	if !c.Has("MIDDLE") || !c.Has("NEWEST") {
		t.Error("younger entries were dropped")
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !bytes.Equal(backend.stored["OLDEST"], []byte("one")) {
		t.Errorf("store holds %q for evicted entry", backend.stored["OLDEST"])
	}
}

func TestEvictionFailureDoesNotReinsert(t *testing.T) {
	backend := newFakeBackend()
	backend.failNext = errors.New("store down")
	c := NewCache(1, backend, zerolog.Nop())

	c.Save("FIRST1", []byte("a"))
	time.Sleep(2 * time.Millisecond)
	c.Save("SECOND", []byte("b"))

	backend.waitUpsert(t)
	if c.Has("FIRST1") {
		t.Error("failed eviction re-inserted the entry")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d; want 1", c.Len())
	}
}

func TestLoadFallsThroughAndRepopulates(t *testing.T) {
	backend := newFakeBackend()
	backend.stored["SAVED1"] = []byte("persisted")
	c := NewCache(10, backend, zerolog.Nop())

	blob, ok, err := c.Load(context.Background(), "SAVED1")
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v, %v", blob, ok, err)
	}
	if string(blob) != "persisted" {
		t.Errorf("Load() = %q", blob)
	}
	// Non-destructive: the entry is now cached and loadable again without
	// touching the store.
	if !c.Has("SAVED1") {
		t.Fatal("store hit did not re-populate the cache")
	}
	before := backend.loadCalls
	if _, ok, _ := c.Load(context.Background(), "SAVED1"); !ok {
		t.Fatal("second Load() missed")
	}
	if backend.loadCalls != before {
		t.Error("second Load() consulted the store")
	}
}

func TestLoadMissEverywhere(t *testing.T) {
	c := NewCache(10, newFakeBackend(), zerolog.Nop())
	_, ok, err := c.Load(context.Background(), "NOSUCH")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Fatal("Load() = hit for absent code")
	}
}

func TestLoadBackendError(t *testing.T) {
	c := NewCache(10, &erroringBackend{err: errors.New("store down")}, zerolog.Nop())
	_, _, err := c.Load(context.Background(), "ANYONE")
	if err == nil {
		t.Fatal("Load() error = nil; want store error")
	}
}

type erroringBackend struct{ err error }

func (e *erroringBackend) Upsert(context.Context, string, []byte) error    { return e.err }
func (e *erroringBackend) UpsertBatch(context.Context, []Entry) error      { return e.err }
func (e *erroringBackend) Load(context.Context, string) ([]byte, bool, error) {
	return nil, false, e.err
}

func TestFlushAll(t *testing.T) {
	backend := newFakeBackend()
	c := NewCache(10, backend, zerolog.Nop())
	c.Save("AAAAAA", []byte("a"))
	c.Save("BBBBBB", []byte("b"))

	if err := c.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.batches) != 1 {
		t.Fatalf("batches = %d; want 1", len(backend.batches))
	}
	if len(backend.batches[0]) != 2 {
		t.Errorf("batch size = %d; want 2", len(backend.batches[0]))
	}
	// Entries stay cached after a flush.
	if c.Len() != 2 {
		t.Errorf("Len() after flush = %d; want 2", c.Len())
	}
}

func TestFlushAllEmptyIsNoop(t *testing.T) {
	backend := newFakeBackend()
	c := NewCache(10, backend, zerolog.Nop())
	if err := c.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.batches) != 0 {
		t.Errorf("empty flush reached the store")
	}
}

func TestFlushAllError(t *testing.T) {
	backend := newFakeBackend()
	c := NewCache(10, backend, zerolog.Nop())
	c.Save("AAAAAA", []byte("a"))
	backend.mu.Lock()
	backend.failNext = errors.New("store down")
	backend.mu.Unlock()
	if err := c.FlushAll(context.Background()); err == nil {
		t.Fatal("FlushAll() error = nil; want store error")
	}
}

func TestSaveCopiesBlob(t *testing.T) {
	c := NewCache(10, newFakeBackend(), zerolog.Nop())
	blob := []byte{1, 2, 3}
	c.Save("AAAAAA", blob)
	blob[0] = 99
	got, _, _ := c.Load(context.Background(), "AAAAAA")
	if got[0] != 1 {
		t.Error("cache aliases the caller's blob")
	}
}
