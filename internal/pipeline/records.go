package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"slug/internal/fileutil"
)

// Run record states, matching the directories under the runs root.
const (
	RecordRunning   = "running"
	RecordCompleted = "completed"
)

const (
	contextFile    = "context.json"
	completionFile = "completion.json"
	stdoutFile     = "stdout.txt"
	stderrFile     = "stderr.txt"
)

// RunContext is written to context.json when a module invocation starts.
type RunContext struct {
	RunID   string            `json:"run_id"`
	Module  string            `json:"module"`
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Key     string            `json:"key"`
	Started time.Time         `json:"started"`
	PID     int               `json:"pid"`
}

// Completion is written to completion.json when the invocation ends.
type Completion struct {
	ReturnCode int       `json:"returncode"`
	Status     Status    `json:"status"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Duration   float64   `json:"duration"`
	Error      string    `json:"error,omitempty"`
}

// RunRecord is a run directory as listed by Records.
type RunRecord struct {
	State      string      `json:"state"`
	Dir        string      `json:"dir"`
	Context    RunContext  `json:"context"`
	Completion *Completion `json:"completion,omitempty"`
}

// RecordStore manages <runs>/running and <runs>/completed.
type RecordStore struct {
	root string
}

// NewRecordStore returns a store rooted at dir.
func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{root: dir}
}

// runFolder is an open run record.
type runFolder struct {
	store  *RecordStore
	id     string
	dir    string
	stdout *os.File
	stderr *os.File
}

func (s *RecordStore) begin(rc RunContext) (*runFolder, error) {
	dir := filepath.Join(s.root, RecordRunning, rc.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	rc.PID = os.Getpid()
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, contextFile), rc); err != nil {
		return nil, err
	}
	stdout, err := os.Create(filepath.Join(dir, stdoutFile))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, stderrFile))
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	return &runFolder{store: s, id: rc.RunID, dir: dir, stdout: stdout, stderr: stderr}, nil
}

// excerpt returns the tail of stderr, or of stdout when stderr is empty.
func (f *runFolder) excerpt(lines int) string {
	for _, name := range []string{stderrFile, stdoutFile} {
		if text, err := fileutil.TailLines(filepath.Join(f.dir, name), lines); err == nil && text != "" {
			return text
		}
	}
	return ""
}

// finish writes completion.json and moves the folder to completed/.
func (f *runFolder) finish(c Completion) error {
	_ = f.stdout.Close()
	_ = f.stderr.Close()
	if err := fileutil.WriteJSONAtomic(filepath.Join(f.dir, completionFile), c); err != nil {
		return err
	}
	doneDir := filepath.Join(f.store.root, RecordCompleted)
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return fmt.Errorf("create completed runs dir: %w", err)
	}
	dest := filepath.Join(doneDir, f.id)
	if err := os.Rename(f.dir, dest); err != nil {
		return fmt.Errorf("move run record: %w", err)
	}
	f.dir = dest
	return nil
}

// List returns run records in state, newest first. An empty state lists
// both running and completed records.
func (s *RecordStore) List(state string) ([]RunRecord, error) {
	states := []string{RecordRunning, RecordCompleted}
	if state != "" {
		if state != RecordRunning && state != RecordCompleted {
			return nil, fmt.Errorf("unknown run state %q", state)
		}
		states = []string{state}
	}
	var out []RunRecord
	for _, st := range states {
		base := filepath.Join(s.root, st)
		entries, err := os.ReadDir(base)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(base, entry.Name())
			rec := RunRecord{State: st, Dir: dir}
			if err := readJSONFile(filepath.Join(dir, contextFile), &rec.Context); err != nil {
				continue
			}
			var c Completion
			if err := readJSONFile(filepath.Join(dir, completionFile), &c); err == nil {
				rec.Completion = &c
			}
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Context.Started.After(out[j].Context.Started)
	})
	return out, nil
}

// Clear removes records in state and returns how many were removed.
// Running records are only removed when their owning process is gone.
func (s *RecordStore) Clear(state string) (int, error) {
	records, err := s.List(state)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range records {
		if rec.State == RecordRunning && processAlive(rec.Context.PID) {
			continue
		}
		if err := os.RemoveAll(rec.Dir); err != nil {
			return removed, fmt.Errorf("remove %s: %w", rec.Dir, err)
		}
		removed++
	}
	return removed, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
