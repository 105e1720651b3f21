package ocrgate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateTaskID(t *testing.T) {
	cases := []struct {
		id string
		ok bool
	}{
		{"3fa2b1c4d5e6f708-0123456789ab", true},
		{"job_1.v2", true},
		{"", false},
		{"..", false},
		{"a..b", false},
		{"../etc", false},
		{"a/b", false},
		{`a\b`, false},
		{"white space", false},
		{strings.Repeat("a", 65), false},
		{strings.Repeat("a", 64), true},
	}
	for _, c := range cases {
		err := ValidateTaskID(c.id)
		if (err == nil) != c.ok {
			t.Errorf("ValidateTaskID(%q) = %v, want ok=%v", c.id, err, c.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidTaskID) {
			t.Errorf("ValidateTaskID(%q) error does not wrap ErrInvalidTaskID", c.id)
		}
	}
}

func TestScratchStoreLifecycle(t *testing.T) {
	root := filepath.Join(t.TempDir(), "uploads")
	s, err := NewScratchStore(root, testLogger(t))
	if err != nil {
		t.Fatalf("NewScratchStore: %v", err)
	}
	if len(dirEntries(t, root)) != 0 {
		t.Fatalf("probe file left behind: %v", dirEntries(t, root))
	}

	dir, err := s.CreateTaskDir("task-1")
	if err != nil {
		t.Fatalf("CreateTaskDir: %v", err)
	}
	if _, err := s.CreateTaskDir("task-1"); err == nil {
		t.Fatalf("expected collision error")
	}

	in := s.InputPath(dir)
	n, err := s.WriteInput(in, samplePDF)
	if err != nil || n != int64(len(samplePDF)) {
		t.Fatalf("WriteInput = %d, %v", n, err)
	}
	if _, err := os.Stat(in + partSuffix); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
	got, _ := os.ReadFile(in)
	if string(got) != string(samplePDF) {
		t.Fatalf("input content mismatch")
	}
	if filepath.Dir(s.OutputPath(dir)) != dir {
		t.Fatalf("output path outside task dir: %s", s.OutputPath(dir))
	}

	if err := s.Cleanup(dir); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := s.Cleanup(dir); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("task dir still exists")
	}
}

func TestScratchStoreRejectsEscapes(t *testing.T) {
	s, err := NewScratchStore(t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	var storageErr *StorageError
	if _, err := s.CreateTaskDir("../outside"); !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if err := s.Cleanup(s.Root()); err == nil {
		t.Fatalf("cleanup of root must fail")
	}
	if err := s.Cleanup(filepath.Dir(s.Root())); err == nil {
		t.Fatalf("cleanup outside root must fail")
	}
	if _, err := s.WriteInput(filepath.Join(s.Root(), "input.pdf"), samplePDF); err == nil {
		t.Fatalf("write directly under root must fail")
	}
}

func TestScratchStoreWriteInputEmpty(t *testing.T) {
	s, err := NewScratchStore(t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	dir, err := s.CreateTaskDir("empty")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteInput(s.InputPath(dir), nil); ErrorCodeOf(err) != CodeStorageFailed {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestScratchStoreSweep(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"stale-1", "stale-2"} {
		if err := os.MkdirAll(filepath.Join(root, d, "nested"), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := NewScratchStore(root, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.Sweep()
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v; want 2", n, err)
	}
	if got := dirEntries(t, root); len(got) != 1 || got[0] != "keep.txt" {
		t.Fatalf("entries after sweep = %v", got)
	}
}
