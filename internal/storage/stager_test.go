package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStageWritesRetrievableFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStager(filepath.Join(dir, "uploads"), "http://127.0.0.1:8080/")
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	staged, err := s.Stage("brain scan.png", []byte("payload"))
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if !strings.HasPrefix(staged.Name, "scan_1700000000_") || !strings.HasSuffix(staged.Name, "_brain_scan.png") {
		t.Fatalf("unexpected name %q", staged.Name)
	}
	if staged.FilePath != "/uploads/"+staged.Name {
		t.Fatalf("unexpected file path %q", staged.FilePath)
	}
	if staged.URL != "http://127.0.0.1:8080/uploads/"+staged.Name {
		t.Fatalf("unexpected url %q", staged.URL)
	}

	got, err := os.ReadFile(staged.DiskPath)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("unexpected content %q", got)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the staged file, got %d entries", len(entries))
	}
}

func TestStageNamesAreUnique(t *testing.T) {
	s, err := NewStager(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	a, err := s.Stage("same.png", []byte("a"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	b, err := s.Stage("same.png", []byte("b"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if a.Name == b.Name {
		t.Fatal("expected distinct names for repeated uploads")
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":    "passwd",
		`C:\scans\mri 01.jpg`: "mri_01.jpg",
		"":                    "upload",
		".hidden":             "hidden",
		"ünïcode.png":         "_n_code.png",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
