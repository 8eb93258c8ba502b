package metadata

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/tailhook/ciruela/config"
	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/proto"
	"github.com/tailhook/ciruela/sigkeys"
	"github.com/tailhook/ciruela/vpath"
)

func newTestMeta(t *testing.T, appendOnly bool) (*Meta, ed25519.PrivateKey) {
	t.Helper()
	root := t.TempDir()
	keysDir := filepath.Join(root, "keys")
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		t.Fatal(err)
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	_ = signer
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "key1"), ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.RootDir = root
	cfg.Dirs["releases"] = &config.Directory{
		NumLevels:     1,
		AppendOnly:    appendOnly,
		UploadKeysDir: keysDir,
	}
	return New(cfg), priv
}

func sign(t *testing.T, priv ed25519.PrivateKey, data []byte) sigkeys.Signature {
	t.Helper()
	return sigkeys.Signature(ed25519.Sign(priv, data))
}

func mustVPath(t *testing.T, raw string) vpath.VPath {
	t.Helper()
	v, err := vpath.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHandleAppendDirNew(t *testing.T) {
	m, priv := newTestMeta(t, false)
	v := mustVPath(t, "/releases/v1")
	img := id.ImageId{1, 2, 3}
	req := proto.AppendDir{Path: v, Image: img, Timestamp: 100}
	req.Signatures = []sigkeys.Signature{sign(t, priv, req.SigData())}

	up, err := m.HandleAppendDir(req)
	if err != nil {
		t.Fatal(err)
	}
	if !up.Accepted || up.New != proto.AcceptNew {
		t.Fatalf("want AcceptNew, got %+v", up)
	}

	dir, err := m.sigs.EnsureDir(v.ParentRel())
	if err != nil {
		t.Fatal(err)
	}
	st, err := dir.ReadFile("v1.new.state")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.Image != img {
		t.Fatalf("expected .new.state with image, got %+v", st)
	}
}

func TestHandleAppendDirInProgressMerge(t *testing.T) {
	m, priv := newTestMeta(t, false)
	v := mustVPath(t, "/releases/v1")
	img := id.ImageId{9}

	req1 := proto.AppendDir{Path: v, Image: img, Timestamp: 100}
	req1.Signatures = []sigkeys.Signature{sign(t, priv, req1.SigData())}
	if _, err := m.HandleAppendDir(req1); err != nil {
		t.Fatal(err)
	}

	req2 := proto.AppendDir{Path: v, Image: img, Timestamp: 200}
	req2.Signatures = []sigkeys.Signature{sign(t, priv, req2.SigData())}
	up, err := m.HandleAppendDir(req2)
	if err != nil {
		t.Fatal(err)
	}
	if !up.Accepted || up.New != proto.AcceptInProgress {
		t.Fatalf("want AcceptInProgress, got %+v", up)
	}

	w, ok := m.GetWriting(v)
	if !ok || len(w.Signatures) != 2 {
		t.Fatalf("expected 2 merged signatures, got %+v", w)
	}
}

func TestHandleAppendDirRejectsDifferentImage(t *testing.T) {
	m, priv := newTestMeta(t, false)
	v := mustVPath(t, "/releases/v1")

	req1 := proto.AppendDir{Path: v, Image: id.ImageId{1}, Timestamp: 100}
	req1.Signatures = []sigkeys.Signature{sign(t, priv, req1.SigData())}
	if _, err := m.HandleAppendDir(req1); err != nil {
		t.Fatal(err)
	}

	req2 := proto.AppendDir{Path: v, Image: id.ImageId{2}, Timestamp: 200}
	req2.Signatures = []sigkeys.Signature{sign(t, priv, req2.SigData())}
	up, err := m.HandleAppendDir(req2)
	if err != nil {
		t.Fatal(err)
	}
	if up.Accepted || up.Reason != ReasonDifferentVer {
		t.Fatalf("want rejection %q, got %+v", ReasonDifferentVer, up)
	}
}

func TestHandleAppendDirBadSignature(t *testing.T) {
	m, _ := newTestMeta(t, false)
	v := mustVPath(t, "/releases/v1")
	req := proto.AppendDir{Path: v, Image: id.ImageId{1}, Timestamp: 100}
	req.Signatures = []sigkeys.Signature{[]byte("not a valid signature")}

	up, err := m.HandleAppendDir(req)
	if err != nil {
		t.Fatal(err)
	}
	if up.Accepted || up.Reason != ReasonSignatureNoGood {
		t.Fatalf("want signature_mismatch, got %+v", up)
	}
}

func TestHandleReplaceDirAppendOnlyRejected(t *testing.T) {
	m, priv := newTestMeta(t, true)
	v := mustVPath(t, "/releases/v1")
	req := proto.ReplaceDir{Path: v, Image: id.ImageId{1}, Timestamp: 100}
	req.Signatures = []sigkeys.Signature{sign(t, priv, req.SigData())}

	up, err := m.HandleReplaceDir(req)
	if err != nil {
		t.Fatal(err)
	}
	if up.Accepted || up.Reason != ReasonAppendOnly {
		t.Fatalf("want dir_is_append_only, got %+v", up)
	}
}

func TestCommitDirThenAlreadyDone(t *testing.T) {
	m, priv := newTestMeta(t, false)
	v := mustVPath(t, "/releases/v1")
	img := id.ImageId{7}
	req := proto.AppendDir{Path: v, Image: img, Timestamp: 1}
	req.Signatures = []sigkeys.Signature{sign(t, priv, req.SigData())}
	if _, err := m.HandleAppendDir(req); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitDir(v); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetWriting(v); ok {
		t.Fatal("expected writing entry to be cleared after commit")
	}

	req2 := proto.AppendDir{Path: v, Image: img, Timestamp: 2}
	req2.Signatures = []sigkeys.Signature{sign(t, priv, req2.SigData())}
	up, err := m.HandleAppendDir(req2)
	if err != nil {
		t.Fatal(err)
	}
	if !up.Accepted || up.New != proto.AcceptAlreadyDone {
		t.Fatalf("want AcceptAlreadyDone, got %+v", up)
	}
}

func TestAbortDirRemovesNewState(t *testing.T) {
	m, priv := newTestMeta(t, false)
	v := mustVPath(t, "/releases/v1")
	req := proto.AppendDir{Path: v, Image: id.ImageId{3}, Timestamp: 1}
	req.Signatures = []sigkeys.Signature{sign(t, priv, req.SigData())}
	if _, err := m.HandleAppendDir(req); err != nil {
		t.Fatal(err)
	}
	if err := m.AbortDir(v); err != nil {
		t.Fatal(err)
	}
	dir, err := m.sigs.EnsureDir(v.ParentRel())
	if err != nil {
		t.Fatal(err)
	}
	st, err := dir.ReadFile("v1.new.state")
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Fatal("expected .new.state to be removed")
	}
}
