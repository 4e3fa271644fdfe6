package observation

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nainya/contentstore/pkg/journal"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	bundles [][]Event
	ch      chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 1000)} }

func (r *recorder) OnEvents(events []Event) error {
	r.mu.Lock()
	r.bundles = append(r.bundles, events)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) [][]Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for bundle %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Event(nil), r.bundles...)
}

func added(path, id string, types ...string) Event {
	return Event{Type: NodeAdded, Path: path, Identifier: id, NodeTypes: types}
}

func TestDispatchOrderAndPersist(t *testing.T) {
	d := NewDispatcher(Options{})
	defer d.Close()
	rec := newRecorder()
	d.AddListener(rec, Filter{})

	for i := 1; i <= 100; i++ {
		d.Dispatch(Meta{Seq: uint64(i), Workspace: "default", UserID: "admin"}, []Event{added("/a", "id")})
	}

	bundles := rec.wait(t, 100)
	require.Len(t, bundles, 100)
	for i, b := range bundles {
		require.Len(t, b, 2)
		require.Equal(t, uint64(i+1), b[0].Seq)
		require.Equal(t, "admin", b[0].UserID)
		require.Equal(t, Persist, b[1].Type)
	}
}

func TestListenerFailureIsIsolated(t *testing.T) {
	d := NewDispatcher(Options{})
	defer d.Close()

	d.AddListener(ListenerFunc(func([]Event) error { panic("boom") }), Filter{})
	d.AddListener(ListenerFunc(func([]Event) error { return errors.New("failed") }), Filter{})
	rec := newRecorder()
	d.AddListener(rec, Filter{})

	d.Dispatch(Meta{Seq: 1}, []Event{added("/a", "1")})
	d.Dispatch(Meta{Seq: 2}, []Event{added("/b", "2")})

	bundles := rec.wait(t, 2)
	require.Equal(t, "/a", bundles[0][0].Path)
	require.Equal(t, "/b", bundles[1][0].Path)
}

func TestFilters(t *testing.T) {
	e := Event{Type: PropertyChanged, Path: "/content/site/jcr:title", Identifier: "n1",
		NodeTypes: []string{"nt:unstructured", "nt:base"}, Session: "s1", Workspace: "default"}

	require.True(t, Filter{}.Match(e))
	require.True(t, Filter{Types: PropertyChanged | NodeAdded}.Match(e))
	require.False(t, Filter{Types: NodeAdded}.Match(e))

	require.True(t, Filter{Path: "/content/site"}.Match(e))
	require.False(t, Filter{Path: "/content"}.Match(e))
	require.True(t, Filter{Path: "/content", Deep: true}.Match(e))
	require.True(t, Filter{Path: "/", Deep: true}.Match(e))

	require.True(t, Filter{Globs: []string{"/content/**"}}.Match(e))
	require.False(t, Filter{Globs: []string{"/other/**"}}.Match(e))

	require.True(t, Filter{Identifiers: []string{"n1"}}.Match(e))
	require.False(t, Filter{Identifiers: []string{"n2"}}.Match(e))

	require.True(t, Filter{NodeTypes: []string{"nt:base"}}.Match(e))
	require.False(t, Filter{NodeTypes: []string{"nt:folder"}}.Match(e))

	require.False(t, Filter{NoLocal: true, Session: "s1"}.Match(e))
	require.True(t, Filter{NoLocal: true, Session: "s2"}.Match(e))
	require.False(t, Filter{Workspace: "other"}.Match(e))
}

func TestFilteredBundlesAreDropped(t *testing.T) {
	d := NewDispatcher(Options{})
	defer d.Close()
	rec := newRecorder()
	d.AddListener(rec, Filter{Path: "/b", Deep: true})

	d.Dispatch(Meta{Seq: 1}, []Event{added("/a/x", "1")})
	d.Dispatch(Meta{Seq: 2}, []Event{added("/b/y", "2"), added("/a/z", "3")})

	bundles := rec.wait(t, 1)
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0], 2)
	require.Equal(t, "/b/y", bundles[0][0].Path)
	require.Equal(t, Persist, bundles[0][1].Type)
}

func TestRemoveListenerDrains(t *testing.T) {
	d := NewDispatcher(Options{})
	defer d.Close()

	var mu sync.Mutex
	count := 0
	id := d.AddListener(ListenerFunc(func([]Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}), Filter{})

	for i := 1; i <= 10; i++ {
		d.Dispatch(Meta{Seq: uint64(i)}, []Event{added("/a", "1")})
	}
	require.True(t, d.RemoveListener(id))
	require.False(t, d.RemoveListener(id))

	mu.Lock()
	require.Equal(t, 10, count)
	mu.Unlock()
}

func TestListenerStopsItself(t *testing.T) {
	d := NewDispatcher(Options{})
	defer d.Close()

	var mu sync.Mutex
	count := 0
	id := d.AddListener(ListenerFunc(func([]Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return ErrStopListening
	}), Filter{})

	for i := 1; i <= 3; i++ {
		d.Dispatch(Meta{Seq: uint64(i)}, []Event{added("/a", "1")})
	}
	require.Eventually(t, func() bool { return !d.RemoveListener(id) }, time.Second, 5*time.Millisecond)

	d.Dispatch(Meta{Seq: 4}, []Event{added("/a", "1")})
	mu.Lock()
	require.Equal(t, 1, count)
	mu.Unlock()
}

func TestInMemoryJournal(t *testing.T) {
	d := NewDispatcher(Options{Retain: 3})
	defer d.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		d.Dispatch(Meta{Seq: uint64(i), Date: base.Add(time.Duration(i) * time.Hour)}, []Event{added("/n", "x")})
	}
	require.Equal(t, uint64(5), d.LastSeq())

	it, err := d.Journal(Filter{Types: NodeAdded}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, it.Size())

	it.SkipTo(base.Add(4 * time.Hour))
	require.Equal(t, 1, it.Position())
	e, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, uint64(4), e.Seq)
	it.Skip(10)
	_, ok = it.Next()
	require.False(t, ok)
}

func TestFileJournalSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.journal")
	j, err := journal.Open(path, journal.Options{})
	require.NoError(t, err)

	d := NewDispatcher(Options{Journal: j})
	d.Dispatch(Meta{Seq: 1, Workspace: "default"}, []Event{added("/a", "1")})
	d.Dispatch(Meta{Seq: 2, Workspace: "default"}, []Event{added("/b", "2")})
	d.Close()
	require.NoError(t, j.Close())

	j, err = journal.Open(path, journal.Options{})
	require.NoError(t, err)
	defer j.Close()
	d = NewDispatcher(Options{Journal: j})
	defer d.Close()

	require.Equal(t, uint64(2), d.LastSeq())
	it, err := d.Journal(Filter{Types: NodeAdded}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, it.Size())
	e, _ := it.Next()
	require.Equal(t, "/b", e.Path)
	require.Equal(t, "default", e.Workspace)
}
