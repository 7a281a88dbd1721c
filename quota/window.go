package quota

import (
	"time"
)

type event struct {
	id uint64
	at time.Time
}

// window is an in-memory sliding window of event timestamps. Events are
// appended in time order, so pruning only ever drops a prefix.
type window struct {
	dur    time.Duration
	events []event
}

func newWindow(dur time.Duration) *window {
	return &window{dur: dur}
}

// prune drops events older than dur.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.dur)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.events)
}

func (w *window) add(ev event) {
	w.events = append(w.events, ev)
}

// remove drops a single event by id; it is a no-op if the event was already pruned.
func (w *window) remove(id uint64) {
	for i, ev := range w.events {
		if ev.id == id {
			w.events = append(w.events[:i], w.events[i+1:]...)
			return
		}
	}
}
