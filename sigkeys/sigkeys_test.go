package sigkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genKeyFile(t *testing.T, dir, name string) (ssh.Signer, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("new public key: %v", err)
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(filepath.Join(dir, name), line, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return signer, sshPub
}

func TestLoadDirAndVerify(t *testing.T) {
	dir := t.TempDir()
	signer, _ := genKeyFile(t, dir, "alice.pub")
	_, _ = genKeyFile(t, dir, "bob.pub")

	keys, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("LoadDir returned %d keys, want 2", len(keys))
	}

	data := []byte("vpath|image|12345")
	sig, err := signer.Sign(rand.Reader, data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !Verify(data, Signature(sig.Blob), keys) {
		t.Fatalf("Verify() = false, want true for a signature from a known key")
	}
	if Verify([]byte("tampered"), Signature(sig.Blob), keys) {
		t.Fatalf("Verify() = true for tampered data, want false")
	}
}

func TestLoadDirMissing(t *testing.T) {
	keys, err := LoadDir(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadDir on missing dir: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("LoadDir on missing dir returned %d keys, want 0", len(keys))
	}
}

func TestVerifyNoKeys(t *testing.T) {
	if Verify([]byte("x"), Signature([]byte("y")), nil) {
		t.Fatalf("Verify with no keys = true, want false")
	}
}
