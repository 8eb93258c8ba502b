// Package proto defines the typed request/response contracts exchanged with
// the peer gossip transport. The transport itself (connection management,
// framing, retries) is out of scope for this daemon core; this package only
// fixes the shapes a transport implementation would marshal and the
// Handler interface it would call into.
package proto

import (
	"encoding/binary"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/sigkeys"
	"github.com/tailhook/ciruela/vpath"
)

// AppendDir requests that a virtual path be admitted with a new image, only
// ever growing the set of known final directories under a configured
// append-only parent (or the default append semantics of a non-append-only
// directory when no conflicting image already exists).
type AppendDir struct {
	Path       vpath.VPath
	Image      id.ImageId
	Timestamp  int64
	Signatures []sigkeys.Signature
}

// ReplaceDir requests that a virtual path be admitted with a new image,
// permitted to supersede a different previously-admitted image.
type ReplaceDir struct {
	Path       vpath.VPath
	Image      id.ImageId
	OldImage   *id.ImageId
	Timestamp  int64
	Signatures []sigkeys.Signature
}

// SigData returns the canonical bytes signed over by an AppendDir/ReplaceDir
// request: the (vpath, image, timestamp) tuple, length-prefixed so no
// concatenation ambiguity exists between fields.
func SigData(path vpath.VPath, image id.ImageId, timestamp int64) []byte {
	p := []byte(path.String())
	var buf []byte
	buf = appendUint32(buf, uint32(len(p)))
	buf = append(buf, p...)
	buf = append(buf, image[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	buf = append(buf, ts[:]...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// SigData returns the canonical signing bytes for this request.
func (r AppendDir) SigData() []byte {
	return SigData(r.Path, r.Image, r.Timestamp)
}

// SigData returns the canonical signing bytes for this request.
func (r ReplaceDir) SigData() []byte {
	return SigData(r.Path, r.Image, r.Timestamp)
}

// GetBaseDir requests a peer's current admitted state for every final
// directory directly under a virtual parent path.
type GetBaseDir struct {
	Path vpath.VPath
}

// SubdirState is one final directory's admitted state, as seen by a peer.
type SubdirState struct {
	Image      id.ImageId
	Signatures []sigkeys.SignatureEntry
}

// BaseDirState is a peer's reply to GetBaseDir: enough to recompute
// chash.ForObject and compare against an announced hash.
type BaseDirState struct {
	Path         vpath.VPath
	ConfigHash   chash.Hash
	KeepListHash chash.Hash
	Dirs         map[string]SubdirState
}

// Announcement notifies that a peer believes the given virtual path should
// converge to Hash, as observed on machine MachineID at Addr. Receiving an
// Announcement triggers the reconciliation engine.
type Announcement struct {
	Path      vpath.VPath
	Hash      chash.Hash
	Addr      string
	MachineID string
}

// ReceivedImage is a progress notification forwarded to the uploader client
// once a peer has fully committed an image.
type ReceivedImage struct {
	MachineID string
	Hostname  string
	Forwarded bool
}

// AbortedImage is a progress notification forwarded to the uploader client
// when a peer aborts a fetch.
type AbortedImage struct {
	MachineID string
	Hostname  string
	Forwarded bool
	Reason    string
}

// Handler is implemented by the daemon side that a (not-implemented-here)
// transport dispatches incoming wire messages to.
type Handler interface {
	HandleAppendDir(AppendDir) (Upload, error)
	HandleReplaceDir(ReplaceDir) (Upload, error)
	HandleGetBaseDir(GetBaseDir) (BaseDirState, error)
}

// Accept classifies a successful admission outcome.
type Accept int

const (
	// AcceptNew means a fresh Writing was inserted and a .new.state file
	// written.
	AcceptNew Accept = iota
	// AcceptInProgress means an existing Writing for the same image was
	// found; signatures were merged but no new .new.state write occurred.
	AcceptInProgress
	// AcceptAlreadyDone means a persisted State already existed for the
	// same image; signatures were merged into the .state file directly.
	AcceptAlreadyDone
)

func (a Accept) String() string {
	switch a {
	case AcceptNew:
		return "new"
	case AcceptInProgress:
		return "in_progress"
	case AcceptAlreadyDone:
		return "already_done"
	default:
		return "unknown"
	}
}

// Upload is the result of an AppendDir/ReplaceDir admission: either an
// Accept classification, or a short rejection reason tag.
type Upload struct {
	Accepted bool
	New      Accept
	Reason   string
}

// Accepted constructs an accepted Upload with the given classification.
func Accepted(a Accept) Upload {
	return Upload{Accepted: true, New: a}
}

// Rejected constructs a rejected Upload with the given reason tag.
func Rejected(reason string) Upload {
	return Upload{Accepted: false, Reason: reason}
}
