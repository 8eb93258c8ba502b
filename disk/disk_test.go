package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/metadata/indexstore"
	"github.com/tailhook/ciruela/vpath"
)

func hashOf(s string) chash.Hash {
	return chash.MustForObject(s)
}

func mustVPath(t *testing.T, raw string) vpath.VPath {
	t.Helper()
	v, err := vpath.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestStartWriteCommit(t *testing.T) {
	base := t.TempDir()
	idxRoot := t.TempDir()
	d, err := New(2, indexstore.New(idxRoot))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	v := mustVPath(t, "/releases/v1")
	img, err := d.StartImage(base, v, []byte("index-bytes"), hashOf("index-bytes"))
	if err != nil {
		t.Fatal(err)
	}

	if err := d.WriteBlock(img, "file.txt", 0, []byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBlock(img, "file.txt", 6, []byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBlock(img, "sub/nested.txt", 0, []byte("nested")); err != nil {
		t.Fatal(err)
	}

	if err := d.CommitImage(img); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(base, "releases", "v1", "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
	if _, err := os.Stat(filepath.Join(base, "releases", "v1", "sub", "nested.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, "releases", ".tmp.v1")); !os.IsNotExist(err) {
		t.Fatal("expected temp dir to be gone after commit")
	}
}

func TestWriteBlockRejectsEscape(t *testing.T) {
	base := t.TempDir()
	d, err := New(1, indexstore.New(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	v := mustVPath(t, "/releases/v1")
	img, err := d.StartImage(base, v, nil, hashOf(""))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBlock(img, "../escape.txt", 0, []byte("x")); err == nil {
		t.Fatal("expected error for escaping path")
	}
}

func TestAbortImageRemovesTemp(t *testing.T) {
	base := t.TempDir()
	d, err := New(1, indexstore.New(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	v := mustVPath(t, "/releases/v1")
	img, err := d.StartImage(base, v, nil, hashOf(""))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.AbortImage(img); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, "releases", ".tmp.v1")); !os.IsNotExist(err) {
		t.Fatal("expected temp dir removed")
	}
}
