// Package sigkeys loads SSH-authorized-keys-format public keys from a
// directory and verifies raw signature blobs against them.
//
// This mirrors the original daemon's use of the Rust `ssh_keys` crate: keys
// are plain SSH public keys (as in authorized_keys/known_hosts), and a
// signature is verified as a raw blob over caller-supplied bytes — there is
// no SSH "signature file" envelope (no armor, no namespace) involved.
package sigkeys

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Signature is a raw public-key signature blob.
type Signature []byte

// LoadDir reads every regular file in dir as one or more
// authorized-keys-format public key lines and returns the parsed keys.
// A missing directory is not an error; it yields zero keys (nothing
// verifies, every admission is rejected with "signature_mismatch").
func LoadDir(dir string) ([]ssh.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sigkeys: read dir %s: %w", dir, err)
	}
	var keys []ssh.PublicKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path) //nolint:gosec // keys dir is operator-configured
		if err != nil {
			return nil, fmt.Errorf("sigkeys: read %s: %w", path, err)
		}
		rest := data
		for len(strings.TrimSpace(string(rest))) > 0 {
			key, _, _, remainder, err := ssh.ParseAuthorizedKey(rest)
			if err != nil {
				return nil, fmt.Errorf("sigkeys: parse %s: %w", path, err)
			}
			keys = append(keys, key)
			rest = remainder
		}
	}
	return keys, nil
}

// Verify reports whether sig validates sigData under any of keys: at least
// one key verifying is sufficient. All supplied signatures are retained by
// the caller regardless of this result, since downstream peers may trust a
// different key set.
func Verify(sigData []byte, sig Signature, keys []ssh.PublicKey) bool {
	for _, key := range keys {
		if verifyOne(sigData, sig, key) {
			return true
		}
	}
	return false
}

func verifyOne(sigData []byte, sig Signature, key ssh.PublicKey) bool {
	wire := &ssh.Signature{Format: key.Type(), Blob: sig}
	return key.Verify(sigData, wire) == nil
}
