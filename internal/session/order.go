package session

import "github.com/tbourn/onechat-realtime/internal/bus"

// maxHeld caps how many early events one subscription buffers.
const maxHeld = 64

// ordering releases the events of one conversation in seq order. Events at
// or below the last released seq are stale and dropped; events past a gap
// are held until the gap fills.
type ordering struct {
	last  uint64
	known bool
	held  map[uint64]bus.Event
}

func newOrdering(last uint64, known bool) *ordering {
	return &ordering{last: last, known: known, held: make(map[uint64]bus.Event)}
}

// add returns the events that became deliverable. overflow reports that too
// many events are waiting behind a gap.
func (o *ordering) add(ev bus.Event) (ready []bus.Event, overflow bool) {
	if ev.Seq == 0 {
		return []bus.Event{ev}, false
	}
	if !o.known {
		o.last, o.known = ev.Seq-1, true
	}
	switch {
	case ev.Seq <= o.last:
		return nil, false
	case ev.Seq > o.last+1:
		o.held[ev.Seq] = ev
		return nil, len(o.held) > maxHeld
	}

	ready = append(ready, ev)
	o.last = ev.Seq
	for {
		nxt, ok := o.held[o.last+1]
		if !ok {
			break
		}
		delete(o.held, nxt.Seq)
		ready = append(ready, nxt)
		o.last = nxt.Seq
	}
	return ready, false
}

// waiting reports whether events are held behind a gap.
func (o *ordering) waiting() bool { return len(o.held) > 0 }
