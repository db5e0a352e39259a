package scheduler

import (
	"errors"
	"strings"
	"testing"
)

var errAlreadyDead = errors.New("already dead")

func TestEscapeCommand_Simple(t *testing.T) {
	got := escapeCommand("echo hello")
	want := `"echo hello"`
	if got != want {
		t.Errorf("escapeCommand(simple) = %q, want %q", got, want)
	}
}

func TestEscapeCommand_MetaCharactersWrapped(t *testing.T) {
	tests := []string{
		`echo $HOME`,
		`echo (a)`,
		`echo "quoted"`,
		`echo a?b`,
	}
	for _, cmd := range tests {
		got := escapeCommand(cmd)
		if !strings.HasPrefix(got, "sh -c '") {
			t.Errorf("escapeCommand(%q) = %q, want sh -c wrapping", cmd, got)
		}
	}
}

func TestEscapeCommand_SingleQuoteSurvives(t *testing.T) {
	cmd := `echo 'it''s a test'`
	got := escapeCommand(cmd)
	if !strings.HasPrefix(got, "sh -c '") {
		t.Fatalf("expected sh -c wrapping for command with quotes, got %q", got)
	}
	// Embedded single quotes must be escaped so that concatenating the
	// surrounding quotes back in reconstructs the original payload.
	reconstructed := strings.ReplaceAll(strings.TrimSuffix(strings.TrimPrefix(got, "sh -c '"), "'"), `'\''`, `'`)
	if reconstructed != cmd {
		t.Errorf("round trip failed: got %q, want %q", reconstructed, cmd)
	}
}

func TestParseJobID(t *testing.T) {
	id, err := parseJobID("Job <12345> is submitted to queue <short>.\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 12345 {
		t.Errorf("parseJobID = %d, want 12345", id)
	}
}

func TestParseJobID_NonNumeric(t *testing.T) {
	if _, err := parseJobID("no angle brackets here"); err == nil {
		t.Error("expected error for unparsable submit output")
	}
}

func TestParseQueryOutput(t *testing.T) {
	text := "JOBID   USER   STAT  QUEUE\n" +
		"101     alice  PEND  short\n" +
		"102     alice  RUN   short\n" +
		"103     alice  GARBAGE short\n"
	states := parseQueryOutput(text)
	if states[101] != Pend {
		t.Errorf("job 101 = %v, want PEND", states[101])
	}
	if states[102] != Run {
		t.Errorf("job 102 = %v, want RUN", states[102])
	}
	if _, ok := states[103]; ok {
		t.Error("job 103 has an unrecognized state and should be absent, not guessed")
	}
}

func TestQuery_SplitsIntoBatches(t *testing.T) {
	a := New(Options{QueryCmd: "bjobs", BatchQuerySize: 2})
	var calls [][]string
	a.run = func(name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{}, args...))
		var sb strings.Builder
		for _, arg := range args {
			sb.WriteString(arg + " alice RUN short\n")
		}
		return []byte(sb.String()), nil
	}

	result, err := a.Query([]int{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 chunked calls for 5 ids at batch size 2, got %d", len(calls))
	}
	if len(result.States) != 5 {
		t.Errorf("expected 5 states, got %d", len(result.States))
	}
}

func TestQuery_MissingIDsReported(t *testing.T) {
	a := New(Options{QueryCmd: "bjobs", BatchQuerySize: 1000})
	a.run = func(name string, args ...string) ([]byte, error) {
		return []byte("1 alice RUN short\n"), nil
	}

	result, err := a.Query([]int{1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Missing) != 1 || result.Missing[0] != 2 {
		t.Errorf("expected [2] missing, got %v", result.Missing)
	}
}

func TestQuery_RetriesOnBusy(t *testing.T) {
	a := New(Options{QueryCmd: "bjobs", BatchQuerySize: 1000, Busy: DefaultOptions().Busy})
	a.opts.Busy.Wait = 1 // keep the test fast
	attempts := 0
	a.run = func(name string, args ...string) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return []byte(busyMarker), nil
		}
		return []byte("1 alice DONE short\n"), nil
	}

	result, err := a.Query([]int{1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (2 busy + 1 success), got %d", attempts)
	}
	if result.States[1] != Done {
		t.Errorf("job 1 = %v, want DONE", result.States[1])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		output string
		want   TerminationKind
	}{
		{"TERM_RUNLIMIT: job killed after reaching LSF run time limit", RuntimeLimit},
		{"Successfully completed.", Success},
		{"some random garbage", OtherFailure},
	}
	for _, tt := range tests {
		if got := Classify(tt.output); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestCancel_NonFatalOnFailure(t *testing.T) {
	a := New(Options{CancelCmd: "bkill"})
	a.run = func(name string, args ...string) ([]byte, error) {
		return nil, errAlreadyDead
	}
	// Cancel returns the underlying error for callers that want to know,
	// but must never panic or otherwise treat this as a fatal condition.
	if err := a.Cancel(42); err != errAlreadyDead {
		t.Errorf("Cancel returned %v, want the underlying error surfaced", err)
	}
}
