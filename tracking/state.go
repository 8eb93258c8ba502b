// Package tracking implements the per-virtual-path state machine and the
// weak-reference index cache that lets concurrently converging directories
// share one already-fetched index instead of re-fetching it.
package tracking

import (
	"fmt"
)

// State is a virtual path's position in the convergence state machine.
type State int

const (
	// Idle means no announcement is outstanding; the local state (if any)
	// is believed to already match what peers expect.
	Idle State = iota
	// Pending means an Announcement arrived and a candidate peer is being
	// chosen to fetch from.
	Pending
	// Fetching means a candidate peer has been picked and its index/blocks
	// are being downloaded.
	Fetching
	// Assembling means the index is fully fetched and blocks are being
	// written into the image's temporary directory.
	Assembling
	// Done means the image has been committed and matches the most recent
	// Announcement seen.
	Done
	// Failed means every candidate peer was exhausted without completing
	// the fetch; a fresh Announcement is needed to retry.
	Failed
	// Aborting means a newer Announcement superseded this one while it was
	// in flight; the in-progress fetch/assembly is being torn down.
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Fetching:
		return "fetching"
	case Assembling:
		return "assembling"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Aborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// transitions enumerates every state change this daemon allows. A request
// to move outside this table is a logic error, not a recoverable one.
var transitions = map[State]map[State]bool{
	Idle:       {Pending: true},
	Pending:    {Fetching: true, Failed: true, Aborting: true},
	Fetching:   {Assembling: true, Failed: true, Aborting: true},
	Assembling: {Done: true, Failed: true, Aborting: true},
	Done:       {Pending: true},
	Failed:     {Pending: true},
	Aborting:   {Idle: true, Pending: true},
}

// ErrInvalidTransition is returned by Entry.Transition when the requested
// move is not in the transition table.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("tracking: invalid transition %s -> %s", e.From, e.To)
}

// Transition moves e to next if the move is legal, returning
// *ErrInvalidTransition otherwise. The caller holds whatever lock guards e.
func (e *Entry) Transition(next State) error {
	if !transitions[e.State][next] {
		return &ErrInvalidTransition{From: e.State, To: next}
	}
	e.State = next
	return nil
}
