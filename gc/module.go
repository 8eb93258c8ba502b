package gc

import (
	"context"

	"github.com/tailhook/ciruela/lock"
)

// Module describes one GC-participating subsystem, parameterized over its
// own snapshot type S so ReadDB and Resolve see it typed while Orchestrator
// itself stays generic over heterogeneous modules (see runner.go).
type Module[S any] struct {
	Name string

	// Locker coordinates with concurrent operations on the same module;
	// TryLock returning false means "busy, skip this cycle".
	Locker lock.Locker

	// ReadDB reads the module's current state. Called while the lock is
	// held — must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve analyses this module's typed snapshot, with every other
	// successfully-read module's snapshot available as map[string]any for
	// cross-module reasoning, and returns the resource IDs to collect.
	// Called with no lock held.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given resource IDs. Called while the lock is
	// held — must not re-acquire it. Invoked even with an empty ids slice
	// so a module can use it for unconditional housekeeping.
	Collect func(ctx context.Context, ids []string) error
}

// moduleRunner adapts a typed Module[S] to the untyped runner interface
// Orchestrator stores its heterogeneous module list as.
type moduleRunner[S any] struct {
	m Module[S]
}

func (r moduleRunner[S]) getName() string        { return r.m.Name }
func (r moduleRunner[S]) getLocker() lock.Locker { return r.m.Locker }

func (r moduleRunner[S]) readSnapshot(ctx context.Context) (any, error) {
	return r.m.ReadDB(ctx)
}

func (r moduleRunner[S]) resolveTargets(snap any, others map[string]any) []string {
	typed, ok := snap.(S)
	if !ok {
		return nil
	}
	return r.m.Resolve(typed, others)
}

func (r moduleRunner[S]) collect(ctx context.Context, ids []string) error {
	return r.m.Collect(ctx, ids)
}
