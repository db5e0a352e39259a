package fsutils

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
		t.Fatalf("writeTestFile: %v", err)
	}
	return p
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := writeTestFile(t, dir, "test.json")

	if !FileExists(file) {
		t.Errorf("FileExists(%s) = false, want true", file)
	}
	if FileExists(filepath.Join(dir, "missing.json")) {
		t.Errorf("FileExists(missing) = true, want false")
	}
	if FileExists(dir) {
		t.Errorf("FileExists(dir) = true, want false")
	}
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	file := writeTestFile(t, dir, "test.json")

	if !DirExists(dir) {
		t.Errorf("DirExists(%s) = false, want true", dir)
	}
	if DirExists(filepath.Join(dir, "nope")) {
		t.Errorf("DirExists(missing) = true, want false")
	}
	if DirExists(file) {
		t.Errorf("DirExists(file) = true, want false")
	}
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	file := writeTestFile(t, dir, "test.json")

	if !PathExists(dir) {
		t.Errorf("PathExists(dir) = false, want true")
	}
	if !PathExists(file) {
		t.Errorf("PathExists(file) = false, want true")
	}
	if PathExists(filepath.Join(dir, "unknown")) {
		t.Errorf("PathExists(missing) = true, want false")
	}
}

func TestLookupContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/tmp/test.json", "application/json"},
		{"/tmp/test.yaml", "text/yaml"},
		{"/tmp/test.dat", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := LookupContentType(tt.path); got != tt.want {
			t.Errorf("LookupContentType(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestDetectContentType(t *testing.T) {
	dir := t.TempDir()
	file := writeTestFile(t, dir, "test.txt")

	got, err := DetectContentType(file)
	if err != nil {
		t.Fatalf("DetectContentType() error = %v", err)
	}
	if got != "text/plain; charset=utf-8" {
		t.Errorf("DetectContentType() = %v, want text/plain; charset=utf-8", got)
	}

	if _, err := DetectContentType(filepath.Join(dir, "missing.txt")); err == nil {
		t.Errorf("DetectContentType(missing) expected error")
	}
}
