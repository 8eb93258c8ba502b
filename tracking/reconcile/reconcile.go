// Package reconcile implements the candidate-peer convergence loop: given
// an Announcement's target hash, try candidate peers
// in turn until one's BaseDirState hashes to the target, then admit every
// subdirectory it reports via the metadata service and kick off a fetch
// for each newly admitted image.
package reconcile

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/proto"
	"github.com/tailhook/ciruela/sigkeys"
	"github.com/tailhook/ciruela/vpath"
)

// Candidate is one peer that might already hold the announced state.
type Candidate struct {
	Addr      string
	MachineID string
}

// Client is the subset of a peer connection the engine needs: requesting
// a candidate's current BaseDirState. A real gossip transport supplies
// this; proto.LocalDispatcher is the in-process stand-in used in tests.
type Client interface {
	RequestGetBaseDir(proto.GetBaseDir) (proto.BaseDirState, error)
}

// ClientFor resolves a Client for a candidate address. The transport that
// maintains actual peer connections is outside this module's scope; this
// is the seam a real implementation plugs into.
type ClientFor func(addr string) (Client, error)

// LocalScanner computes the requesting daemon's own current BaseDirState
// for path, the counterpart to the remote's reported state.
type LocalScanner func(path vpath.VPath) (proto.BaseDirState, error)

// OnFetch is invoked once a subdirectory's image has been newly admitted,
// so the caller can kick off the disk/fetch pipeline for it.
type OnFetch func(path vpath.VPath, image id.ImageId, replacing bool)

// Engine drives the reconciliation loop against a metadata service.
type Engine struct {
	clientFor ClientFor
	scan      LocalScanner
	handler   proto.Handler
	onFetch   OnFetch
}

// New returns an Engine. handler is typically a *metadata.Meta.
func New(clientFor ClientFor, scan LocalScanner, handler proto.Handler, onFetch OnFetch) *Engine {
	return &Engine{clientFor: clientFor, scan: scan, handler: handler, onFetch: onFetch}
}

// Reconcile tries candidates in order until one reports a BaseDirState
// whose chash.ForObject equals target, then admits every subdirectory it
// lists. Returns nil once either convergence succeeds or every candidate
// has been exhausted (the latter is not treated as an error: peers may
// have already converged on their own by the time this runs).
func (e *Engine) Reconcile(ctx context.Context, path vpath.VPath, target chash.Hash, candidates []Candidate) error {
	logger := log.WithFunc("reconcile.Reconcile")
	remaining := append([]Candidate(nil), candidates...)
	var matched *proto.BaseDirState
	var matchedAddr string

	for len(remaining) > 0 {
		c := remaining[0]
		remaining = remaining[1:]

		client, err := e.clientFor(c.Addr)
		if err != nil {
			logger.Warnf(ctx, "connect to %s: %v", c.Addr, err)
			continue
		}
		dir, err := client.RequestGetBaseDir(proto.GetBaseDir{Path: path})
		if err != nil {
			logger.Warnf(ctx, "fetch base dir %s from %s: %v", path, c.Addr, err)
			continue
		}
		gotHash, err := chash.ForObject(dir)
		if err != nil {
			return fmt.Errorf("reconcile: hash remote state: %w", err)
		}
		if gotHash.Equal(target) {
			matched = &dir
			matchedAddr = c.Addr
			break
		}
		logger.Debugf(ctx, "mismatching hash from %s:%s: %s != %s", c.Addr, path, target, gotHash)
	}

	if matched == nil {
		logger.Debugf(ctx, "no candidate converged for %s", path)
		return nil
	}

	local, err := e.scan(path)
	if err != nil {
		return fmt.Errorf("reconcile: scan local %s: %w", path, err)
	}
	_ = matchedAddr

	g, gctx := errgroup.WithContext(ctx)
	for name, rstate := range matched.Dirs {
		name, rstate := name, rstate
		g.Go(func() error {
			return e.admitOne(gctx, path, name, rstate, local)
		})
	}
	return g.Wait()
}

// admitOne admits a single reported subdirectory against the local
// metadata service, dispatching ReplaceDir if the subdirectory already has
// local state (even for a different image) or AppendDir if it is wholly
// new, then invokes onFetch for every newly-admitted image.
func (e *Engine) admitOne(ctx context.Context, base vpath.VPath, name string, rstate proto.SubdirState, local proto.BaseDirState) error {
	logger := log.WithFunc("reconcile.admitOne")
	if len(rstate.Signatures) == 0 {
		logger.Warnf(ctx, "got image with no signatures: %s/%s", base, name)
		return nil
	}
	// Only the most recent signature is consumed: a faithful reimplementation
	// of the original's single-signature dispatch. TODO: fold in the rest of
	// rstate.Signatures once the metadata service supports multi-signature
	// admission requests.
	sig := rstate.Signatures[len(rstate.Signatures)-1]
	child := base.Join(name)

	if oldSubdir, exists := local.Dirs[name]; exists {
		logger.Debugf(ctx, "replacing %s", child)
		oldImage := oldSubdir.Image
		up, err := e.handler.HandleReplaceDir(proto.ReplaceDir{
			Path:       child,
			Image:      rstate.Image,
			OldImage:   &oldImage,
			Timestamp:  sig.Timestamp,
			Signatures: []sigkeys.Signature{sig.Signature},
		})
		if err != nil {
			return fmt.Errorf("reconcile: replace %s: %w", child, err)
		}
		if up.Accepted && up.New == proto.AcceptNew && e.onFetch != nil {
			e.onFetch(child, rstate.Image, true)
		}
		return nil
	}

	logger.Debugf(ctx, "appending %s", child)
	up, err := e.handler.HandleAppendDir(proto.AppendDir{
		Path:       child,
		Image:      rstate.Image,
		Timestamp:  sig.Timestamp,
		Signatures: []sigkeys.Signature{sig.Signature},
	})
	if err != nil {
		return fmt.Errorf("reconcile: append %s: %w", child, err)
	}
	if up.Accepted && up.New == proto.AcceptNew && e.onFetch != nil {
		e.onFetch(child, rstate.Image, false)
	}
	return nil
}
