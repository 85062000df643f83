package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	content := []byte("# Hello\nWorld\n")
	if err := WriteAtomic(path, content); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	got, exists, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !exists {
		t.Fatal("exists = false, want true")
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestReadAbsentIsEmpty(t *testing.T) {
	data, exists, err := Read(filepath.Join(t.TempDir(), "missing.md"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if exists {
		t.Error("exists = true for absent file")
	}
	if data != nil {
		t.Errorf("data = %q, want nil", data)
	}
}

func TestWriteCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "doc.md")
	if err := WriteAtomic(path, []byte("deep")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	got, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestAtomicOverwriteNoLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	_ = WriteAtomic(path, []byte("original"))

	if err := WriteAtomic(path, []byte("updated")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	got, _, _ := Read(path)
	if string(got) != "updated" {
		t.Errorf("expected updated content, got %q", got)
	}

	// The rename must not leave temp files behind.
	matches, _ := filepath.Glob(filepath.Join(dir, ".ansuz-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	_ = WriteAtomic(path, []byte("bye"))
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("file still exists after Remove")
	}
	// Removing again is not an error.
	if err := Remove(path); err != nil {
		t.Errorf("Remove absent: %v", err)
	}
}
