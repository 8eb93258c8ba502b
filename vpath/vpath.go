// Package vpath implements the virtual path used as the admission key
// throughout the daemon: an absolute path of the form
// /<key>/<level-1>/.../<level-N>/<final>.
package vpath

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// VPath is an absolute, UTF-8, parent-free logical path. It is immutable
// once constructed.
type VPath struct {
	// segments holds every path component after the leading slash, in
	// order: segments[0] is the key, segments[len-1] is the final name,
	// everything in between is a "level".
	segments []string
}

// Parse validates and parses a raw string into a VPath. It fails if the
// path is not absolute, is not valid UTF-8, or contains "." or ".." or
// empty components.
func Parse(raw string) (VPath, error) {
	if !strings.HasPrefix(raw, "/") {
		return VPath{}, fmt.Errorf("vpath: not absolute: %q", raw)
	}
	if path.Clean(raw) != raw {
		// path.Clean normalizes ".."/"."/redundant separators; if cleaning
		// changes the path it contained one of those.
		return VPath{}, fmt.Errorf("vpath: invalid path (has parents or redundant separators): %q", raw)
	}
	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		return VPath{}, fmt.Errorf("vpath: empty key: %q", raw)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return VPath{}, fmt.Errorf("vpath: invalid component %q in %q", p, raw)
		}
		if !utf8.ValidString(p) {
			return VPath{}, fmt.Errorf("vpath: invalid utf-8 in %q", raw)
		}
	}
	return VPath{segments: parts}, nil
}

// New constructs a VPath from a key, zero or more levels, and a final name.
// It never fails on well-formed inputs.
func New(key string, levels []string, final string) VPath {
	segs := make([]string, 0, len(levels)+2)
	segs = append(segs, key)
	segs = append(segs, levels...)
	segs = append(segs, final)
	return VPath{segments: segs}
}

// Key returns the first path segment.
func (v VPath) Key() string {
	return v.segments[0]
}

// Level returns the count of segments after the key, final name included:
// "/releases/v1" has level 1, "/releases/linux/v1" has level 2.
func (v VPath) Level() int {
	return len(v.segments) - 1
}

// FinalName returns the last path segment.
func (v VPath) FinalName() string {
	return v.segments[len(v.segments)-1]
}

// Levels returns the middle segments (copy, safe to mutate).
func (v VPath) Levels() []string {
	n := len(v.segments) - 2
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	copy(out, v.segments[1:len(v.segments)-1])
	return out
}

// Parent returns the VPath of the containing directory (drops FinalName).
// Parent of "/<key>/<final>" is "/<key>".
func (v VPath) Parent() VPath {
	return VPath{segments: append([]string(nil), v.segments[:len(v.segments)-1]...)}
}

// ParentRel returns the parent path relative to the metadata root, joined
// with forward slashes, suitable for sharding the signature store
// directory by key+levels.
func (v VPath) ParentRel() string {
	return path.Join(v.segments[:len(v.segments)-1]...)
}

// String returns the canonical absolute string form.
func (v VPath) String() string {
	return "/" + strings.Join(v.segments, "/")
}

// Join appends name as a new final segment, the current final name becoming
// a level. Used by the reconciliation engine to build a child VPath under a
// base directory.
func (v VPath) Join(name string) VPath {
	segs := append(append([]string(nil), v.segments...), name)
	return VPath{segments: segs}
}

// Equal reports whether two VPaths denote the same path.
func (v VPath) Equal(o VPath) bool {
	if len(v.segments) != len(o.segments) {
		return false
	}
	for i := range v.segments {
		if v.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

// MarshalCBOR encodes the VPath as its canonical string form, so two VPaths
// comparing Equal always encode identically.
func (v VPath) MarshalCBOR() ([]byte, error) {
	return cborMarshalString(v.String())
}

// UnmarshalCBOR decodes a VPath from its canonical string form.
func (v *VPath) UnmarshalCBOR(data []byte) error {
	s, err := cborUnmarshalString(data)
	if err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
