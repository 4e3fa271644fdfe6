package observation

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nainya/contentstore/pkg/journal"
)

// EventIterator walks journal events in commit order. It is a value over
// a fixed slice and not safe for concurrent use.
type EventIterator struct {
	events []Event
	pos    int
}

// Next returns the next event
func (it *EventIterator) Next() (Event, bool) {
	if it.pos >= len(it.events) {
		return Event{}, false
	}
	e := it.events[it.pos]
	it.pos++
	return e, true
}

// Skip advances n events
func (it *EventIterator) Skip(n int) {
	it.pos += n
	if it.pos > len(it.events) {
		it.pos = len(it.events)
	}
}

// SkipTo advances to the first event dated at or after t
func (it *EventIterator) SkipTo(t time.Time) {
	rest := it.events[it.pos:]
	it.pos += sort.Search(len(rest), func(i int) bool { return !rest[i].Date.Before(t) })
}

// Size returns the total number of events
func (it *EventIterator) Size() int { return len(it.events) }

// Position returns the number of events consumed
func (it *EventIterator) Position() int { return it.pos }

// Journal returns the events committed after sequence after that pass
// filter. With a file journal configured the events are read from disk and
// include those of earlier runs; otherwise the in-memory log is used.
func (d *Dispatcher) Journal(filter Filter, after uint64) (*EventIterator, error) {
	var bundles [][]Event
	if d.journal != nil {
		recs, err := d.journal.Records(after)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Kind != journal.KindBundle {
				continue
			}
			var bundle []Event
			if err := json.Unmarshal(rec.Payload, &bundle); err != nil {
				return nil, fmt.Errorf("journal record %d: %w", rec.Seq, err)
			}
			bundles = append(bundles, bundle)
		}
	} else {
		d.mu.Lock()
		for _, b := range d.log {
			if len(b) > 0 && b[0].Seq > after {
				bundles = append(bundles, b)
			}
		}
		d.mu.Unlock()
	}

	it := &EventIterator{}
	for _, b := range bundles {
		for _, e := range b {
			if filter.Match(e) {
				it.events = append(it.events, e)
			}
		}
	}
	return it, nil
}

// LastSeq returns the sequence of the most recent bundle, 0 when none
func (d *Dispatcher) LastSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.log) > 0 {
		return d.log[len(d.log)-1][0].Seq
	}
	if d.journal != nil {
		return d.journal.LastSeq()
	}
	return 0
}
