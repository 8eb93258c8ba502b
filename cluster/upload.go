// Package cluster tracks the progress of one in-flight upload across every
// peer it was forwarded to, so an uploading client can be told when the
// directory image has converged cluster-wide (or that some peer rejected
// it) without polling each peer individually.
package cluster

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tailhook/ciruela/proto"
)

// Stats accumulates the responses seen for one upload. Deliberately narrow:
// only enough is tracked here to answer "has this converged" and to produce
// a human-readable summary, so the wire shape can stay stable even as peers
// gain new response fields.
type Stats struct {
	mu sync.RWMutex
	book bookkeeping

	totalResponses atomic.Uint32
}

type bookkeeping struct {
	acceptedAddrs    map[string]bool
	doneAddrs        map[string]bool
	doneMachines     map[string]bool
	doneHostnames    map[string]bool
	abortedAddrs     map[string]string
	abortedMachines  map[string]string
	abortedHostnames map[string]string
	rejectedAddrs    map[string]string
}

// NewStats creates an empty Stats for one upload.
func NewStats() *Stats {
	return &Stats{
		book: bookkeeping{
			acceptedAddrs:    map[string]bool{},
			doneAddrs:        map[string]bool{},
			doneMachines:     map[string]bool{},
			doneHostnames:    map[string]bool{},
			abortedAddrs:     map[string]string{},
			abortedMachines:  map[string]string{},
			abortedHostnames: map[string]string{},
			rejectedAddrs:    map[string]string{},
		},
	}
}

// ReceivedImage records that addr (or a peer it forwarded to, on behalf of
// MachineID/Hostname) finished committing the image.
func (s *Stats) ReceivedImage(addr string, info proto.ReceivedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !info.Forwarded {
		s.book.doneAddrs[addr] = true
	}
	s.book.doneMachines[info.MachineID] = true
	s.book.doneHostnames[info.Hostname] = true
}

// AbortedImage records that addr (or a peer it forwarded to) abandoned the
// fetch, with a human-readable reason.
func (s *Stats) AbortedImage(addr string, info proto.AbortedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !info.Forwarded {
		s.book.abortedAddrs[addr] = info.Reason
	}
	s.book.abortedMachines[info.MachineID] = info.Reason
	s.book.abortedHostnames[info.Hostname] = info.Reason
}

// AddResponse records one peer's direct accept/reject answer to the initial
// upload request. Each addr's first response (in either direction) advances
// the total-response counter; replies from an addr that already answered
// update the stored outcome but don't recount it.
func (s *Stats) AddResponse(addr string, accepted bool, rejectReason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wasRejected := s.book.rejectedAddrs[addr]
	if !wasRejected && !s.book.acceptedAddrs[addr] {
		s.totalResponses.Add(1)
	}
	if !accepted {
		if rejectReason == "" {
			rejectReason = "unknown"
		}
		s.book.rejectedAddrs[addr] = rejectReason
		return
	}
	s.book.acceptedAddrs[addr] = true
}

// TotalResponses returns the number of distinct peers that have answered
// the initial upload request, accepted or rejected.
func (s *Stats) TotalResponses() uint32 {
	return s.totalResponses.Load()
}

// ErrRejected is returned by Check once any peer has rejected the upload.
type ErrRejected struct {
	Reasons map[string]string
}

func (e *ErrRejected) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for addr, reason := range e.Reasons {
		parts = append(parts, fmt.Sprintf("%s: %s", addr, reason))
	}
	sort.Strings(parts)
	return fmt.Sprintf("upload rejected by %d peer(s): %s", len(e.Reasons), strings.Join(parts, "; "))
}

// Check reports whether the upload has reached a terminal outcome:
// (false, nil) while some done addr is not among the accepted addrs,
// (true, nil) once every done addr is also an accepted addr (done is a
// subset of accepted, which includes no peer having finished yet) with no
// rejections, or (false, *ErrRejected) once at least one peer has rejected.
//
// This is deliberately the same conservative check as the one it is
// grounded on: done addrs must all be present in accepted addrs before the
// upload is declared converged, and any rejection is terminal regardless of
// how many peers have since accepted.
func (s *Stats) Check() (converged bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.book.rejectedAddrs) > 0 {
		reasons := make(map[string]string, len(s.book.rejectedAddrs))
		for addr, reason := range s.book.rejectedAddrs {
			reasons[addr] = reason
		}
		return false, &ErrRejected{Reasons: reasons}
	}
	for addr := range s.book.doneAddrs {
		if !s.book.acceptedAddrs[addr] {
			return false, nil
		}
	}
	return true, nil
}
