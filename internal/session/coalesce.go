package session

import "github.com/Overworldai/Biome/internal/metrics"

// Coalesce collapses consecutive EventControl entries in events down to
// the last one in each run, leaving every other event kind untouched and
// in arrival order. This bounds the engine's input lag to one frame
// regardless of how many control messages a fast client sends between
// ticks.
func Coalesce(events []Event) []Event {
	if len(events) == 0 {
		return events
	}

	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Kind == EventControl && len(out) > 0 && out[len(out)-1].Kind == EventControl {
			out[len(out)-1] = ev
			metrics.DiscardedControlMessages.Inc()
			continue
		}
		out = append(out, ev)
	}
	return out
}

// DrainNonBlocking reads every event currently queued on ch without
// blocking, then coalesces the result. Call once per frame tick between
// generations.
func DrainNonBlocking(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return Coalesce(events)
		}
	}
}
