package mux

import "encoding/json"

// DefaultReplayCap bounds the per-domain replay buffer.
const DefaultReplayCap = 50

type replayEvent struct {
	method string
	params json.RawMessage
}

// replayRing keeps the last cap events of one tracked domain so late
// subscribers see recent activity without unbounded growth.
type replayRing struct {
	cap    int
	start  int
	events []replayEvent
}

func newReplayRing(capacity int) *replayRing {
	if capacity <= 0 {
		capacity = DefaultReplayCap
	}
	return &replayRing{cap: capacity}
}

func (r *replayRing) record(method string, params json.RawMessage) {
	if len(r.events) < r.cap {
		r.events = append(r.events, replayEvent{method, params})
		return
	}
	r.events[r.start] = replayEvent{method, params}
	r.start = (r.start + 1) % r.cap
}

// snapshot returns the buffered events oldest first.
func (r *replayRing) snapshot() []replayEvent {
	out := make([]replayEvent, 0, len(r.events))
	for i := 0; i < len(r.events); i++ {
		out = append(out, r.events[(r.start+i)%len(r.events)])
	}
	return out
}
