package observation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/journal"
)

// DefaultRetain is the number of bundles kept in the in-memory log
const DefaultRetain = 10000

// ErrStopListening is returned by a listener to unregister itself. Bundles
// still queued for it are dropped.
var ErrStopListening = errors.New("observation: stop listening")

// Listener receives the events of one committed transaction, in commit
// order. A returned error is logged; it does not stop delivery, except for
// ErrStopListening.
type Listener interface {
	OnEvents(events []Event) error
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(events []Event) error

func (f ListenerFunc) OnEvents(events []Event) error { return f(events) }

// Meta describes the transaction a bundle belongs to
type Meta struct {
	Seq       uint64
	Workspace string
	UserID    string
	UserData  string
	Session   string
	Date      time.Time
}

// Options configure a Dispatcher
type Options struct {
	// Retain bounds the in-memory event log, in bundles
	Retain  int
	Journal *journal.Journal
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

type registration struct {
	id       string
	listener Listener
	filter   Filter

	mu     sync.Mutex
	queue  [][]Event
	closed bool
	signal chan struct{}
	done   chan struct{}
}

// Dispatcher turns committed changes into events, keeps the event log and
// delivers bundles to listeners. Each listener has its own goroutine and
// unbounded queue, so a slow or failing listener never blocks a commit or
// another listener.
type Dispatcher struct {
	mu        sync.Mutex
	retain    int
	log       [][]Event
	listeners map[string]*registration
	journal   *journal.Journal
	logger    *logger.Logger
	metrics   *metrics.Metrics
	closed    bool
}

// NewDispatcher creates a dispatcher
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Dispatcher{
		retain:    opts.Retain,
		listeners: make(map[string]*registration),
		journal:   opts.Journal,
		logger:    opts.Logger.Component("observation"),
		metrics:   opts.Metrics,
	}
}

// Dispatch stamps changes with meta, appends a PERSIST event, records the
// bundle and queues it for every listener. Callers invoke it once per
// committed transaction, after the commit and in commit order.
func (d *Dispatcher) Dispatch(meta Meta, changes []Event) []Event {
	if meta.Date.IsZero() {
		meta.Date = time.Now()
	}
	bundle := make([]Event, 0, len(changes)+1)
	for _, c := range changes {
		c.Seq = meta.Seq
		c.Workspace = meta.Workspace
		c.UserID = meta.UserID
		c.UserData = meta.UserData
		c.Session = meta.Session
		c.Date = meta.Date
		bundle = append(bundle, c)
	}
	bundle = append(bundle, Event{
		Seq:       meta.Seq,
		Type:      Persist,
		Path:      "/",
		UserID:    meta.UserID,
		UserData:  meta.UserData,
		Date:      meta.Date,
		Workspace: meta.Workspace,
		Session:   meta.Session,
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return bundle
	}

	d.log = append(d.log, bundle)
	if len(d.log) > d.retain {
		d.log = append([][]Event(nil), d.log[len(d.log)-d.retain:]...)
	}
	if d.journal != nil {
		if err := d.appendJournal(meta, bundle); err != nil {
			d.logger.Error("failed to journal events").Err(err).Uint64("seq", meta.Seq).Send()
		}
	}
	for _, e := range bundle {
		d.metrics.RecordEvent(e.Type.String())
	}
	for _, r := range d.listeners {
		if events := r.filter.apply(bundle); events != nil {
			r.enqueue(events)
		}
	}
	return bundle
}

func (d *Dispatcher) appendJournal(meta Meta, bundle []Event) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	return d.journal.Append(journal.Record{
		Seq:       meta.Seq,
		Kind:      journal.KindBundle,
		Key:       []byte(meta.Workspace),
		Payload:   payload,
		Timestamp: meta.Date,
	})
}

// AddListener registers a listener and returns its id. It receives every
// bundle dispatched after registration that passes filter.
func (d *Dispatcher) AddListener(l Listener, filter Filter) string {
	r := &registration{
		id:       uuid.NewString(),
		listener: l,
		filter:   filter,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.mu.Lock()
	d.listeners[r.id] = r
	d.mu.Unlock()

	go r.run(d)
	return r.id
}

// RemoveListener unregisters a listener. Bundles already queued for it are
// still delivered; RemoveListener waits for that to finish, so a listener
// must not remove itself this way from OnEvents. It returns
// ErrStopListening instead.
func (d *Dispatcher) RemoveListener(id string) bool {
	d.mu.Lock()
	r, ok := d.listeners[id]
	delete(d.listeners, id)
	d.mu.Unlock()
	if !ok {
		return false
	}
	r.close()
	<-r.done
	return true
}

// Close stops every listener after draining its queue
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	regs := make([]*registration, 0, len(d.listeners))
	for _, r := range d.listeners {
		regs = append(regs, r)
	}
	d.listeners = make(map[string]*registration)
	d.mu.Unlock()

	for _, r := range regs {
		r.close()
		<-r.done
	}
}

// detach unregisters r from its own delivery goroutine without waiting
func (d *Dispatcher) detach(r *registration) {
	d.mu.Lock()
	delete(d.listeners, r.id)
	d.mu.Unlock()

	r.mu.Lock()
	r.closed = true
	r.queue = nil
	r.mu.Unlock()
	d.logger.Debug("listener stopped").Str("listener", r.id).Send()
}

func (r *registration) enqueue(events []Event) {
	r.mu.Lock()
	r.queue = append(r.queue, events)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *registration) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *registration) run(d *Dispatcher) {
	defer close(r.done)
	for range r.signal {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				closed := r.closed
				r.mu.Unlock()
				if closed {
					return
				}
				break
			}
			next := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.mu.Unlock()

			r.deliver(d, next)
		}
	}
}

func (r *registration) deliver(d *Dispatcher, events []Event) {
	defer func() {
		if p := recover(); p != nil {
			d.metrics.RecordListenerFailure()
			d.logger.LogListenerFailure(r.id, len(events), fmt.Errorf("panic: %v", p))
		}
	}()
	err := r.listener.OnEvents(events)
	if errors.Is(err, ErrStopListening) {
		d.detach(r)
		return
	}
	if err != nil {
		d.metrics.RecordListenerFailure()
		d.logger.LogListenerFailure(r.id, len(events), err)
	}
}
