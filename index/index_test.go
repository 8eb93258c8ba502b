package index

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildProducesSortedEntriesWithBlocks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), []byte("second"))
	writeFile(t, filepath.Join(root, "a.txt"), make([]byte, 10))
	writeFile(t, filepath.Join(root, "sub", "c.txt"), []byte("nested"))

	m, data, imageID, err := Build(root, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(m.Entries))
	}
	if m.Entries[0].Path != "a.txt" || m.Entries[1].Path != "b.txt" || m.Entries[2].Path != "sub/c.txt" {
		t.Fatalf("want sorted paths, got %v %v %v", m.Entries[0].Path, m.Entries[1].Path, m.Entries[2].Path)
	}
	// a.txt is 10 bytes with a 4-byte block size: 4 + 4 + 2.
	if len(m.Entries[0].Blocks) != 3 {
		t.Fatalf("want 3 blocks for a.txt, got %d", len(m.Entries[0].Blocks))
	}
	if imageID.IsZero() {
		t.Fatal("want non-zero image id")
	}

	reparsed, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(reparsed.Entries) != len(m.Entries) {
		t.Fatalf("want round-trip entries to match, got %d vs %d", len(reparsed.Entries), len(m.Entries))
	}
}

func TestBuildIsDeterministicForSameContent(t *testing.T) {
	root1 := t.TempDir()
	root2 := t.TempDir()
	writeFile(t, filepath.Join(root1, "x.txt"), []byte("identical"))
	writeFile(t, filepath.Join(root2, "x.txt"), []byte("identical"))

	_, _, id1, err := Build(root1, DefaultBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	_, _, id2, err := Build(root2, DefaultBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("want identical content to produce identical image ids, got %s vs %s", id1, id2)
	}
}

func TestTotalBlocksSumsAcrossEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), make([]byte, 9))
	writeFile(t, filepath.Join(root, "b.txt"), make([]byte, 1))

	m, _, _, err := Build(root, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.TotalBlocks(); got != 4 {
		t.Fatalf("want 4 total blocks (3+1), got %d", got)
	}
}
