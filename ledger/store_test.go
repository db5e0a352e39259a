package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(dir, "jl1", opts)
	if err := s.Init(); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	return s
}

func TestCatalogRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	jobs := []Job{
		{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "echo a"},
		{CurrentID: 2, InternalName: "jl1/1/o.1", Queue: "short", Command: "echo b"},
	}
	if err := s.SaveCatalog(jobs); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}
	got, err := s.LoadCatalog()
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(got) != len(jobs) {
		t.Fatalf("got %d jobs, want %d", len(got), len(jobs))
	}
	for i := range jobs {
		if got[i] != jobs[i] {
			t.Errorf("job %d = %+v, want %+v", i, got[i], jobs[i])
		}
	}
}

func TestStatusRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	statuses := []JobStatus{
		{CurrentID: 1, InternalName: "jl1/1/o.0", State: Done, FailCount: 0, Runtime: 5},
		{CurrentID: 2, InternalName: "jl1/1/o.1", State: Pend, FailCount: 1, Runtime: -1},
	}
	if err := s.SaveStatus(statuses); err != nil {
		t.Fatalf("SaveStatus: %v", err)
	}
	got, err := s.LoadStatus()
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	for i := range statuses {
		if got[i] != statuses[i] {
			t.Errorf("status %d = %+v, want %+v", i, got[i], statuses[i])
		}
	}
}

func TestParamsAndCountRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.SaveParams("-R rusage[mem=4096]"); err != nil {
		t.Fatalf("SaveParams: %v", err)
	}
	params, err := s.LoadParams()
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if params != "-R rusage[mem=4096]" {
		t.Errorf("LoadParams = %q, want %q", params, "-R rusage[mem=4096]")
	}

	if err := s.SaveCount(2); err != nil {
		t.Fatalf("SaveCount: %v", err)
	}
	count, err := s.LoadCount()
	if err != nil {
		t.Fatalf("LoadCount: %v", err)
	}
	if count != 2 {
		t.Errorf("LoadCount = %d, want 2", count)
	}
}

func TestValidate_Corrupt(t *testing.T) {
	s := newTestStore(t, Options{})
	jobs := []Job{{CurrentID: 1}}
	statuses := []JobStatus{{CurrentID: 1}, {CurrentID: 2}}
	err := s.Validate(jobs, statuses, 1)
	if err == nil {
		t.Fatal("expected a CorruptError for mismatched lengths")
	}
	if _, ok := err.(*CorruptError); !ok {
		t.Errorf("expected *CorruptError, got %T", err)
	}
}

func TestValidate_Consistent(t *testing.T) {
	s := newTestStore(t, Options{})
	jobs := []Job{{CurrentID: 1}, {CurrentID: 2}}
	statuses := []JobStatus{{CurrentID: 1}, {CurrentID: 2}}
	if err := s.Validate(jobs, statuses, 2); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestBackups_VersionZeroOnFirstWrite(t *testing.T) {
	s := newTestStore(t, Options{KeepBackupFiles: true})
	if err := s.SaveCatalog([]Job{{CurrentID: 1}}); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}
	// The first write has nothing prior to snapshot, so it backs up its
	// own just-written content as version 0.
	versions, err := s.LoadBackupVersions(catalogFile)
	if err != nil {
		t.Fatalf("LoadBackupVersions: %v", err)
	}
	if len(versions) != 1 || versions[0] != 0 {
		t.Errorf("expected backup version [0] after first write, got %v", versions)
	}

	if err := s.SaveCatalog([]Job{{CurrentID: 1}, {CurrentID: 2}}); err != nil {
		t.Fatalf("second SaveCatalog: %v", err)
	}
	versions, err = s.LoadBackupVersions(catalogFile)
	if err != nil {
		t.Fatalf("LoadBackupVersions: %v", err)
	}
	if len(versions) != 2 || versions[0] != 0 || versions[1] != 1 {
		t.Errorf("expected backup versions [0 1], got %v", versions)
	}

	if err := s.SaveCatalog([]Job{{CurrentID: 1}}); err != nil {
		t.Fatalf("third SaveCatalog: %v", err)
	}
	versions, err = s.LoadBackupVersions(catalogFile)
	if err != nil {
		t.Fatalf("LoadBackupVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Errorf("expected 3 backups after third write, got %v", versions)
	}
}

func TestExists(t *testing.T) {
	s := newTestStore(t, Options{})
	if s.Exists() {
		t.Error("fresh store should not report Exists() before anything is saved")
	}
	if err := s.SaveCount(0); err != nil {
		t.Fatalf("SaveCount: %v", err)
	}
	if !s.Exists() {
		t.Error("store should report Exists() after a file is saved")
	}
}

func TestRemoveAll(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.SaveCount(0); err != nil {
		t.Fatalf("SaveCount: %v", err)
	}
	if err := s.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Errorf("expected ledger dir to be gone, stat err = %v", err)
	}
}

func TestDumpSnapshot(t *testing.T) {
	s := newTestStore(t, Options{})
	jobs := []Job{{CurrentID: 1, Command: "echo a"}}
	statuses := []JobStatus{{CurrentID: 1, State: Done, Runtime: 1}}
	path := filepath.Join(s.Dir(), "snapshot.yaml")
	if err := s.DumpSnapshot(path, jobs, statuses); err != nil {
		t.Fatalf("DumpSnapshot: %v", err)
	}
	if !fileExists(path) {
		t.Error("expected snapshot file to be written")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
