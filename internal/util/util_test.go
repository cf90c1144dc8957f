package util

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestLogFileName(t *testing.T) {
	got := LogFileName(time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC))
	if want := "pspdrp_2026-03-14.log"; got != want {
		t.Errorf("LogFileName() = %q, want %q", got, want)
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"pspdrp_2026-03-10.log",
		"pspdrp_2026-03-12.log",
		"pspdrp_2026-03-11.log",
		"pspdrp_2026-03-13.log",
		"other.log",
		"pspdrp_notes.txt",
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	if got := CleanOldLogs(dir, 2); got != 2 {
		t.Errorf("CleanOldLogs() removed %d, want 2", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	sort.Strings(left)
	want := []string{"other.log", "pspdrp_2026-03-12.log", "pspdrp_2026-03-13.log", "pspdrp_notes.txt"}
	if len(left) != len(want) {
		t.Fatalf("remaining = %v, want %v", left, want)
	}
	for i := range want {
		if left[i] != want[i] {
			t.Errorf("remaining[%d] = %q, want %q", i, left[i], want[i])
		}
	}

	if got := CleanOldLogs(dir, 0); got != 0 {
		t.Errorf("CleanOldLogs(0) removed %d, want 0", got)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("directory %s not created", dir)
	}
	if err := EnsureDir(""); err != nil {
		t.Errorf("EnsureDir(\"\") error = %v", err)
	}
}
