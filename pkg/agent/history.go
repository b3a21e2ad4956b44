package agent

import (
	"sync"
	"time"
)

// TurnStatus tracks a turn from utterance to spoken reply.
type TurnStatus string

const (
	TurnPendingGeneration TurnStatus = "pending_generation"
	TurnPendingSynthesis  TurnStatus = "pending_synthesis"
	TurnStreamingAudio    TurnStatus = "streaming_audio"
	TurnComplete          TurnStatus = "complete"
	TurnFailed            TurnStatus = "failed"
)

// Turn is one utterance-to-reply cycle.
type Turn struct {
	ID        string     `json:"id"`
	Input     string     `json:"input"`
	Reply     string     `json:"reply,omitempty"`
	Status    TurnStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
}

// History is the session's conversation log. It keeps the most recent limit
// turns; appending beyond that evicts the oldest. Only the controller
// appends; readers receive copies.
type History struct {
	mu      sync.RWMutex
	turns   []Turn
	limit   int
	evicted int
}

// NewHistory keeps at most limit turns.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit}
}

// Append archives t and reports whether the oldest turn was evicted.
func (h *History) Append(t Turn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, t)
	if len(h.turns) <= h.limit {
		return false
	}
	h.turns[0] = Turn{}
	h.turns = h.turns[1:]
	h.evicted++
	return true
}

// Turns returns the archived turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Turn(nil), h.turns...)
}

// Len returns the number of archived turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Evicted returns how many turns have been dropped to honour the limit.
func (h *History) Evicted() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.evicted
}
