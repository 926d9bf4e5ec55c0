package swap

import (
	"sync"
)

// State is the orchestrator's position in a swap cycle.
type State int

const (
	Idle State = iota
	AwaitingBarrier
	ActuatingUnload
	ActuatingLoad
	ActuatingWipe
	Resuming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingBarrier:
		return "awaiting_barrier"
	case ActuatingUnload:
		return "actuating_unload"
	case ActuatingLoad:
		return "actuating_load"
	case ActuatingWipe:
		return "actuating_wipe"
	case Resuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Session is the swap bookkeeping the orchestrator owns. Inserts are -1
// when unknown.
type Session struct {
	InProgress             bool    `json:"in_progress"`
	State                  State   `json:"-"`
	CurrentInsert          int     `json:"current_insert"`
	NextInsert             int     `json:"next_insert"`
	InsertLoaded           bool    `json:"insert_loaded"`
	InitialLoadDone        bool    `json:"initial_load_done"`
	ExtrusionSinceLastSwap float64 `json:"extrusion_since_last_swap"`
	SavedTargetTemp        float64 `json:"saved_target_temp"`
	SavedFanSpeed          float64 `json:"saved_fan_speed"`
	BoreAlignOn            bool    `json:"bore_align_on"`
}

// NewSession returns a session with no insert known.
func NewSession() Session {
	return Session{CurrentInsert: -1, NextInsert: -1}
}

// Token is a single-slot ownership token. Acquire hands out at most one
// live Lease; only that lease can free the slot again.
type Token struct {
	mu     sync.Mutex
	holder uint64
	seq    uint64
}

// Lease is proof of holding a Token.
type Lease struct {
	t  *Token
	id uint64
}

// Acquire takes the slot. ok is false while another lease holds it.
func (t *Token) Acquire() (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder != 0 {
		return Lease{}, false
	}
	t.seq++
	t.holder = t.seq
	return Lease{t: t, id: t.seq}, true
}

// Held reports whether any lease holds the slot.
func (t *Token) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder != 0
}

// Release frees the slot if l still holds it. A stale or zero lease is a
// no-op and reports false.
func (l Lease) Release() bool {
	if l.t == nil {
		return false
	}
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	if l.t.holder != l.id {
		return false
	}
	l.t.holder = 0
	return true
}

// Valid reports whether l is still the holder.
func (l Lease) Valid() bool {
	if l.t == nil {
		return false
	}
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	return l.t.holder == l.id
}
