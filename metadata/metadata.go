// Package metadata implements the admission protocol: the single authority
// that decides whether an AppendDir/ReplaceDir request is
// accepted, tracking in-flight uploads so that two signatures for the same
// announcement in flight merge instead of racing, and persisting the
// admitted (image, signatures) pair through metadata/sigstore's two-phase
// state files.
package metadata

import (
	"context"
	"fmt"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/tailhook/ciruela/config"
	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/metadata/indexstore"
	"github.com/tailhook/ciruela/metadata/sigstore"
	"github.com/tailhook/ciruela/proto"
	"github.com/tailhook/ciruela/sigkeys"
	"github.com/tailhook/ciruela/vpath"
)

// Rejection reason tags, verbatim from the original daemon so log lines and
// client-visible reasons stay stable.
const (
	ReasonAppendOnly      = "dir_is_append_only"
	ReasonAlreadyExists   = "already_exists"
	ReasonDifferentVer    = "already_uploading_different_version"
	ReasonSignatureNoGood = "signature_mismatch"
)

// Writing is the in-memory record of an admitted-but-not-yet-committed
// upload: kept in Meta.writing between AppendDir/ReplaceDir acceptance and
// the disk pipeline's eventual CommitDir/AbortDir call.
type Writing struct {
	Image      id.ImageId
	Signatures []sigkeys.SignatureEntry
	Replacing  bool
}

// Meta is the admission authority for one daemon: configuration, the
// signature store, and the in-flight writing table.
type Meta struct {
	cfg  *config.Config
	sigs *sigstore.Store
	idx  *indexstore.Store

	mu      sync.Mutex
	writing map[string]*Writing // keyed by vpath.String()
}

// New constructs a Meta over the given configuration, loading upload keys
// via sigkeys.LoadDir for each configured directory on demand.
func New(cfg *config.Config) *Meta {
	return &Meta{
		cfg:     cfg,
		sigs:    sigstore.New(cfg.SignaturesDir()),
		idx:     indexstore.New(cfg.IndexesDir()),
		writing: make(map[string]*Writing),
	}
}

// Signatures returns the backing signature store, used by cmd/ciruelad's
// cleanup wiring to enumerate admitted state directly.
func (m *Meta) Signatures() *sigstore.Store { return m.sigs }

// Indexes returns the backing index store.
func (m *Meta) Indexes() *indexstore.Store { return m.idx }

// GetWriting returns a snapshot of the in-flight Writing record for v, if
// any.
func (m *Meta) GetWriting(v vpath.VPath) (Writing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.writing[v.String()]
	if !ok {
		return Writing{}, false
	}
	return *w, true
}

func (m *Meta) directoryFor(v vpath.VPath) (*config.Directory, error) {
	cfg, ok := m.cfg.DirectoryFor(v.Key())
	if !ok {
		return nil, fmt.Errorf("metadata: no configured directory for key %q", v.Key())
	}
	if v.Level() != cfg.NumLevels {
		return nil, fmt.Errorf("metadata: level mismatch for %s: got %d want %d", v, v.Level(), cfg.NumLevels)
	}
	return cfg, nil
}

// entries builds the sorted, timestamped SignatureEntry slice for a request.
func entries(timestamp int64, sigs []sigkeys.Signature) []sigkeys.SignatureEntry {
	out := make([]sigkeys.SignatureEntry, len(sigs))
	for i, s := range sigs {
		out[i] = sigkeys.SignatureEntry{Timestamp: timestamp, Signature: s}
	}
	sigkeys.SortEntries(out)
	return out
}

// HandleAppendDir implements proto.Handler, mirroring start_append exactly:
// a vacant writing slot reads the persisted .state file first (already-done
// wins over starting fresh), an occupied slot only merges signatures for
// the same image and rejects a differing one.
func (m *Meta) HandleAppendDir(req proto.AppendDir) (proto.Upload, error) {
	cfg, err := m.directoryFor(req.Path)
	if err != nil {
		return proto.Upload{}, err
	}

	ok, err := m.checkKeysReq(cfg, req.SigData(), req.Signatures)
	if err != nil {
		return proto.Upload{}, err
	}
	if !ok {
		log.WithFunc("metadata.HandleAppendDir").Warnf(context.Background(), "%s has no valid signatures", req.Path)
		return proto.Rejected(ReasonSignatureNoGood), nil
	}

	dir, err := m.sigs.EnsureDir(req.Path.ParentRel())
	if err != nil {
		return proto.Upload{}, err
	}

	sigEntries := entries(req.Timestamp, req.Signatures)
	stateFile := sigstore.StateFileName(req.Path.FinalName())
	newStateFile := sigstore.NewStateFileName(req.Path.FinalName())

	m.mu.Lock()
	key := req.Path.String()
	existing, occupied := m.writing[key]
	if !occupied {
		persisted, rErr := dir.ReadFile(stateFile)
		if rErr != nil {
			m.mu.Unlock()
			return proto.Upload{}, rErr
		}
		if persisted != nil {
			if persisted.Image == req.Image {
				persisted.Signatures = sigkeys.MergeEntries(persisted.Signatures, sigEntries)
				m.mu.Unlock()
				if err := dir.ReplaceFile(stateFile, persisted); err != nil {
					return proto.Upload{}, err
				}
				return proto.Accepted(proto.AcceptAlreadyDone), nil
			}
			m.mu.Unlock()
			return proto.Rejected(ReasonAlreadyExists), nil
		}
		st := &sigstore.State{Image: req.Image, Signatures: sigEntries}
		m.writing[key] = &Writing{Image: req.Image, Signatures: sigEntries, Replacing: false}
		m.mu.Unlock()
		if err := dir.ReplaceFile(newStateFile, st); err != nil {
			return proto.Upload{}, err
		}
		return proto.Accepted(proto.AcceptNew), nil
	}

	if existing.Image != req.Image {
		m.mu.Unlock()
		return proto.Rejected(ReasonDifferentVer), nil
	}
	existing.Signatures = sigkeys.MergeEntries(existing.Signatures, sigEntries)
	m.mu.Unlock()
	return proto.Accepted(proto.AcceptInProgress), nil
}

// HandleReplaceDir implements proto.Handler, mirroring start_replace: an
// append-only directory rejects outright; otherwise a vacant slot whose
// persisted state already differs starts a new replacing Writing instead of
// rejecting (the one asymmetry versus HandleAppendDir).
func (m *Meta) HandleReplaceDir(req proto.ReplaceDir) (proto.Upload, error) {
	cfg, err := m.directoryFor(req.Path)
	if err != nil {
		return proto.Upload{}, err
	}
	if cfg.AppendOnly {
		return proto.Rejected(ReasonAppendOnly), nil
	}

	ok, err := m.checkKeysReq(cfg, req.SigData(), req.Signatures)
	if err != nil {
		return proto.Upload{}, err
	}
	if !ok {
		return proto.Rejected(ReasonSignatureNoGood), nil
	}

	dir, err := m.sigs.EnsureDir(req.Path.ParentRel())
	if err != nil {
		return proto.Upload{}, err
	}

	sigEntries := entries(req.Timestamp, req.Signatures)
	stateFile := sigstore.StateFileName(req.Path.FinalName())
	newStateFile := sigstore.NewStateFileName(req.Path.FinalName())

	m.mu.Lock()
	key := req.Path.String()
	existing, occupied := m.writing[key]
	if !occupied {
		persisted, rErr := dir.ReadFile(stateFile)
		if rErr != nil {
			m.mu.Unlock()
			return proto.Upload{}, rErr
		}
		if persisted != nil && persisted.Image == req.Image {
			persisted.Signatures = sigkeys.MergeEntries(persisted.Signatures, sigEntries)
			m.mu.Unlock()
			if err := dir.ReplaceFile(stateFile, persisted); err != nil {
				return proto.Upload{}, err
			}
			return proto.Accepted(proto.AcceptAlreadyDone), nil
		}
		st := &sigstore.State{Image: req.Image, Signatures: sigEntries}
		m.writing[key] = &Writing{Image: req.Image, Signatures: sigEntries, Replacing: persisted != nil}
		m.mu.Unlock()
		if err := dir.ReplaceFile(newStateFile, st); err != nil {
			return proto.Upload{}, err
		}
		return proto.Accepted(proto.AcceptNew), nil
	}

	if existing.Image != req.Image {
		m.mu.Unlock()
		log.WithFunc("metadata.HandleReplaceDir").Warnf(context.Background(), "replace of %s rejected: already in progress", req.Path)
		return proto.Rejected(ReasonDifferentVer), nil
	}
	existing.Signatures = sigkeys.MergeEntries(existing.Signatures, sigEntries)
	m.mu.Unlock()
	return proto.Accepted(proto.AcceptInProgress), nil
}

// HandleGetBaseDir implements proto.Handler by reading every persisted
// .state file directly under the virtual parent.
func (m *Meta) HandleGetBaseDir(req proto.GetBaseDir) (proto.BaseDirState, error) {
	dir, err := m.sigs.EnsureDir(req.Path.ParentRel())
	if err != nil {
		return proto.BaseDirState{}, err
	}
	names, err := dir.List()
	if err != nil {
		return proto.BaseDirState{}, err
	}
	out := proto.BaseDirState{Path: req.Path, Dirs: make(map[string]proto.SubdirState, len(names))}
	for _, name := range names {
		st, err := dir.ReadFile(sigstore.StateFileName(name))
		if err != nil {
			return proto.BaseDirState{}, err
		}
		if st == nil {
			continue
		}
		out.Dirs[name] = proto.SubdirState{Image: st.Image, Signatures: st.Signatures}
	}
	return out, nil
}

// CommitDir finalizes an admitted upload once the disk pipeline reports the
// image fully written: renames <final>.new.state to <final>.state and
// drops the in-memory Writing entry.
func (m *Meta) CommitDir(v vpath.VPath) error {
	dir, err := m.sigs.EnsureDir(v.ParentRel())
	if err != nil {
		return err
	}
	stateFile := sigstore.StateFileName(v.FinalName())
	newStateFile := sigstore.NewStateFileName(v.FinalName())
	if err := dir.Rename(newStateFile, stateFile); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.writing, v.String())
	m.mu.Unlock()
	return nil
}

// AbortDir discards an in-flight upload: removes the .new.state file and
// drops the in-memory Writing entry.
func (m *Meta) AbortDir(v vpath.VPath) error {
	dir, err := m.sigs.EnsureDir(v.ParentRel())
	if err != nil {
		return err
	}
	if err := dir.RemoveFile(sigstore.NewStateFileName(v.FinalName())); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.writing, v.String())
	m.mu.Unlock()
	return nil
}

// checkKeysReq verifies that at least one of the request's signatures
// verifies against at least one of the directory's trusted keys, matching
// check_keys's "any" semantics: all offered signatures are kept regardless
// of which one(s) actually verified, since some peer may still need them.
func (m *Meta) checkKeysReq(cfg *config.Directory, sigData []byte, sigs []sigkeys.Signature) (bool, error) {
	keys, err := sigkeys.LoadDir(cfg.UploadKeysDir)
	if err != nil {
		return false, fmt.Errorf("metadata: load upload keys %s: %w", cfg.UploadKeysDir, err)
	}
	for _, sig := range sigs {
		if sigkeys.Verify(sigData, sig, keys) {
			return true, nil
		}
	}
	return false, nil
}
