// Package ledger persists a supervised job list's catalog, status,
// submission parameters, and job count as tab-separated files on disk,
// the way chrono's FileStorage persists its job records: every mutation
// is a full rewrite, written to a sibling temp file and renamed into
// place so a crash mid-write cannot corrupt what's on disk.
package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nandlabs/batchsuper/codec"
	"github.com/nandlabs/batchsuper/fsutils"
	"github.com/nandlabs/batchsuper/ioutils"
	"github.com/nandlabs/batchsuper/l3"
	"github.com/nandlabs/batchsuper/textutils"
)

var logger = l3.Get()

const (
	catalogFile = "jobs"
	statusFile  = "status"
	paramsFile  = "params"
	countFile   = "count"
)

// Options configures a Store's durability behavior.
type Options struct {
	// KeepBackupFiles, when true, copies the previous version of a file
	// to <file>.backup<n> before every rewrite.
	KeepBackupFiles bool
}

// Store is the on-disk ledger for one job list.
type Store struct {
	jobList string
	dir     string
	opts    Options
}

// New returns a Store rooted at <baseDir>/.<jobListName>.
func New(baseDir, jobList string, opts Options) *Store {
	return &Store{
		jobList: jobList,
		dir:     filepath.Join(baseDir, "."+jobList),
		opts:    opts,
	}
}

// Dir returns the ledger directory for this job list.
func (s *Store) Dir() string { return s.dir }

// Exists reports whether any ledger file for this job list is present.
func (s *Store) Exists() bool {
	if !fsutils.DirExists(s.dir) {
		return false
	}
	for _, name := range []string{catalogFile, statusFile, paramsFile, countFile} {
		if fsutils.FileExists(filepath.Join(s.dir, name)) {
			return true
		}
	}
	return false
}

// Init creates the ledger directory if it does not already exist.
func (s *Store) Init() error {
	return os.MkdirAll(s.dir, 0755)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// writeAtomic backs up the existing file (if enabled), writes content
// to a sibling temp file, and renames it into place. The very first
// write to a given file takes its own version-0 backup of the content
// just written, since there is no prior version to snapshot; every
// later rewrite backs up what it's about to replace, numbered from
// there.
func (s *Store) writeAtomic(name string, content []byte) error {
	target := s.path(name)
	existed := fsutils.FileExists(target)

	if s.opts.KeepBackupFiles && existed {
		if err := s.backup(name); err != nil {
			return err
		}
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		logger.ErrorF("ledger: failed to write temp file %s: %v", tmp, err)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if s.opts.KeepBackupFiles && !existed {
		if err := os.WriteFile(fmt.Sprintf("%s.backup0", target), content, 0644); err != nil {
			return err
		}
	}
	return nil
}

// nextBackupVersion returns one greater than the highest existing
// backup<n> suffix for name, or 0 if none exist.
func (s *Store) nextBackupVersion(name string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := -1
	prefix := name + ".backup"
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1
}

func (s *Store) backup(name string) error {
	n := s.nextBackupVersion(name)
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	backupPath := fmt.Sprintf("%s.backup%d", s.path(name), n)
	return os.WriteFile(backupPath, data, 0644)
}

// LoadBackupVersions lists the backup<N> suffixes present for name,
// sorted ascending. No CLI action calls it.
func (s *Store) LoadBackupVersions(name string) ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	prefix := name + ".backup"
	var versions []int
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil {
			versions = append(versions, n)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// SaveCatalog atomically rewrites the jobs file.
func (s *Store) SaveCatalog(jobs []Job) error {
	var sb strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&sb, "%d%s%s%s%s%s%s%s\n",
			j.CurrentID, textutils.TabStr,
			j.InternalName, textutils.TabStr,
			j.Queue, textutils.TabStr,
			j.Command)
	}
	return s.writeAtomic(catalogFile, []byte(sb.String()))
}

// LoadCatalog reads the jobs file.
func (s *Store) LoadCatalog() ([]Job, error) {
	lines, err := s.readLines(catalogFile)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, textutils.TabStr, 4)
		if len(parts) != 4 {
			return nil, newCorruptError(s.jobList, fmt.Sprintf("malformed jobs line: %q", line))
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, newCorruptError(s.jobList, fmt.Sprintf("non-numeric job id: %q", parts[0]))
		}
		jobs = append(jobs, Job{
			CurrentID:    id,
			InternalName: parts[1],
			Queue:        parts[2],
			Command:      parts[3],
		})
	}
	return jobs, nil
}

// SaveStatus atomically rewrites the status file.
func (s *Store) SaveStatus(statuses []JobStatus) error {
	var sb strings.Builder
	for _, st := range statuses {
		fmt.Fprintf(&sb, "%d%s%s%s%s%s%d%s%d\n",
			st.CurrentID, textutils.TabStr,
			st.InternalName, textutils.TabStr,
			st.State, textutils.TabStr,
			st.FailCount, textutils.TabStr,
			st.Runtime)
	}
	return s.writeAtomic(statusFile, []byte(sb.String()))
}

// LoadStatus reads the status file.
func (s *Store) LoadStatus() ([]JobStatus, error) {
	lines, err := s.readLines(statusFile)
	if err != nil {
		return nil, err
	}
	statuses := make([]JobStatus, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, textutils.TabStr, 5)
		if len(parts) != 5 {
			return nil, newCorruptError(s.jobList, fmt.Sprintf("malformed status line: %q", line))
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, newCorruptError(s.jobList, fmt.Sprintf("non-numeric job id: %q", parts[0]))
		}
		failCount, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, newCorruptError(s.jobList, fmt.Sprintf("non-numeric failCount: %q", parts[3]))
		}
		runtime, err := strconv.Atoi(parts[4])
		if err != nil {
			return nil, newCorruptError(s.jobList, fmt.Sprintf("non-numeric runtime: %q", parts[4]))
		}
		statuses = append(statuses, JobStatus{
			CurrentID:    id,
			InternalName: parts[1],
			State:        State(parts[2]),
			FailCount:    failCount,
			Runtime:      runtime,
		})
	}
	return statuses, nil
}

// SaveParams atomically rewrites the params file.
func (s *Store) SaveParams(params string) error {
	return s.writeAtomic(paramsFile, []byte(params+textutils.NewLineString))
}

// LoadParams reads the params file.
func (s *Store) LoadParams() (string, error) {
	data, err := os.ReadFile(s.path(paramsFile))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), textutils.NewLineString), nil
}

// SaveCount atomically rewrites the count file.
func (s *Store) SaveCount(count int) error {
	return s.writeAtomic(countFile, []byte(strconv.Itoa(count)+textutils.NewLineString))
}

// LoadCount reads the count file.
func (s *Store) LoadCount() (int, error) {
	data, err := os.ReadFile(s.path(countFile))
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	count, err := strconv.Atoi(text)
	if err != nil {
		return 0, newCorruptError(s.jobList, fmt.Sprintf("non-numeric count: %q", text))
	}
	return count, nil
}

// readLines returns the non-empty lines of a ledger file.
func (s *Store) readLines(name string) ([]string, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Validate checks the invariant that catalog length == status length ==
// recorded count, returning a CorruptError if they disagree.
func (s *Store) Validate(jobs []Job, statuses []JobStatus, count int) error {
	if len(jobs) != len(statuses) || len(jobs) != count {
		return newCorruptError(s.jobList, fmt.Sprintf(
			"catalog has %d entries, status has %d entries, recorded count is %d",
			len(jobs), len(statuses), count))
	}
	return nil
}

// snapshot is the shape written by DumpSnapshot for human diagnostics.
type snapshot struct {
	JobList  string      `yaml:"jobList"`
	Jobs     []Job       `yaml:"jobs"`
	Statuses []JobStatus `yaml:"statuses"`
}

// DumpSnapshot serializes a point-in-time view of the ledger to path in
// YAML, using the same codec-by-content-type lookup chrono's
// FileStorage uses for its own persistence.
func (s *Store) DumpSnapshot(path string, jobs []Job, statuses []JobStatus) error {
	c, err := codec.GetDefault(ioutils.MimeTextYAML)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return c.Write(&snapshot{JobList: s.jobList, Jobs: jobs, Statuses: statuses}, f)
}

// RemoveAll deletes the ledger directory itself together with everything
// in it (ledger files, backups, anything else), for the clean action.
func (s *Store) RemoveAll() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	return nil
}
