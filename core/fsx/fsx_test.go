package fsx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicWritesContent(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "artifact.bin")
	if err := WriteFileAtomic(targetPath, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write atomic: %v", err)
	}
	raw, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(raw) != "hello\n" {
		t.Fatalf("unexpected content: %q", string(raw))
	}
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "metadata.json")
	if err := WriteFileAtomic(targetPath, []byte("first"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(targetPath, []byte("second"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}
	raw, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(raw) != "second" {
		t.Fatalf("unexpected content after overwrite: %q", string(raw))
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "out.txt")
	if err := WriteFileAtomic(targetPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write atomic: %v", err)
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.txt" {
		t.Fatalf("expected only out.txt, got %d entries", len(entries))
	}
}

func TestAppendLineLockedWritesOneLinePerCall(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "events.jsonl")
	if err := AppendLineLocked(targetPath, []byte(`{"event":"a"}`), 0o600); err != nil {
		t.Fatalf("append first line: %v", err)
	}
	if err := AppendLineLocked(targetPath, []byte(`{"event":"b"}`), 0o600); err != nil {
		t.Fatalf("append second line: %v", err)
	}
	raw, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	expected := "{\"event\":\"a\"}\n{\"event\":\"b\"}\n"
	if string(raw) != expected {
		t.Fatalf("unexpected append output:\n%s", string(raw))
	}
}

func TestAppendLineLockedRemovesLock(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "events.jsonl")
	if err := AppendLineLocked(targetPath, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(targetPath + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("expected lock file to be removed, stat err=%v", err)
	}
}
