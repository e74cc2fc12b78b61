package sink

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateFailsWhenExistsWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "db")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(target, false); err != ErrDirectoryExists {
		t.Fatalf("expected ErrDirectoryExists, got %v", err)
	}
	if _, err := Create(target, true); err != nil {
		t.Fatalf("overwrite should succeed: %v", err)
	}
}

func TestCombinedModeSharesOneHandle(t *testing.T) {
	d, err := Create(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	f1, err := d.GetFile("users", "123", false, false)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := d.GetFile("users", "123", false, false)
	if err != nil {
		t.Fatal(err)
	}
	if f1 != f2 {
		t.Fatal("expected combined mode to return the same handle for repeated calls")
	}
	if _, err := f1.Write([]byte("a\n")); err != nil {
		t.Fatal(err)
	}
	if err := f1.Close(); err != nil {
		t.Fatal(err)
	}
	// second reference still open
	if _, err := f2.Write([]byte("b\n")); err != nil {
		t.Fatalf("expected handle to remain open while a reference is outstanding: %v", err)
	}
	if err := f2.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(d.Path(), f1.Name()))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a\nb\n" {
		t.Errorf("unexpected file contents: %q", data)
	}
}

func TestSplitModeAssignsIncreasingSequence(t *testing.T) {
	d, err := Create(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	f0, err := d.NextSplitFile("c", "1", false, false)
	if err != nil {
		t.Fatal(err)
	}
	f1, err := d.NextSplitFile("c", "1", false, false)
	if err != nil {
		t.Fatal(err)
	}
	if f0.Name() == f1.Name() {
		t.Fatal("expected distinct filenames for successive split files")
	}
	f0.Close()
	f1.Close()
}

func TestUnsafeCollectionNameFallsBackToID(t *testing.T) {
	d, err := Create(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	f, err := d.GetFile("weird/name", "555", false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if !filepathContains(f.Name(), "555") {
		t.Errorf("expected filename to fall back to collection id, got %q", f.Name())
	}
}

func filepathContains(name, sub string) bool {
	for i := 0; i+len(sub) <= len(name); i++ {
		if name[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
