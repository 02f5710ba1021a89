package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbiter-labs/warden/pkg/contracts"
)

// Writer appends records to the streams of one run directory. Not safe for
// concurrent use; the host loop is the only writer.
type Writer struct {
	dir   string
	files map[string]*os.File
}

// NewWriter creates the run directory if needed and opens it for appending.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create %s: %w", dir, err)
	}
	return &Writer{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dir returns the run directory.
func (w *Writer) Dir() string { return w.dir }

func (w *Writer) append(file string, v any) error {
	f, ok := w.files[file]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(w.dir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("runlog: open %s: %w", file, err)
		}
		w.files[file] = f
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("runlog: encode %s record: %w", file, err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("runlog: write %s: %w", file, err)
	}
	return nil
}

// RunStart writes the RUN_START record.
func (w *Writer) RunStart(meta RunMeta) error {
	meta.Event = EventRunStart
	return w.append(FileRunMeta, meta)
}

// RunComplete closes the run.
func (w *Writer) RunComplete(rec RunComplete) error {
	rec.Event = EventRunComplete
	return w.append(FileRunMeta, rec)
}

// Observation logs one consumed observation.
func (w *Writer) Observation(cycle int64, o contracts.Observation) error {
	return w.append(FileObservations, ObservationLine{Cycle: cycle, Observation: o})
}

// Artifact logs one evaluated candidate bundle.
func (w *Writer) Artifact(cycle int64, b contracts.CandidateBundle) error {
	return w.append(FileArtifacts, ArtifactLine{Cycle: cycle, Bundle: b})
}

// Admission logs one gate evaluation.
func (w *Writer) Admission(rec contracts.AdmissionRecord) error {
	return w.append(FileAdmission, rec)
}

// Selector logs one decision summary.
func (w *Writer) Selector(rec contracts.SelectorRecord) error {
	return w.append(FileSelector, rec)
}

// Execution logs one executor result.
func (w *Writer) Execution(rec contracts.ExecutionRecord) error {
	return w.append(FileExecution, rec)
}

// Outbox logs a warrant queued for execution.
func (w *Writer) Outbox(rec contracts.OutboxRecord) error {
	return w.append(FileOutbox, rec)
}

// Reconciliation logs an outbox warrant being accounted for.
func (w *Writer) Reconciliation(rec contracts.ReconciliationRecord) error {
	return w.append(FileReconciliation, rec)
}

// StateHash logs the chain link sealed for a cycle.
func (w *Writer) StateHash(cycle int64, hash string) error {
	return w.append(FileStateHashes, StateHashLine{Cycle: cycle, StateHash: hash})
}

// Close closes every open stream.
func (w *Writer) Close() error {
	var first error
	for name, f := range w.files {
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("runlog: close %s: %w", name, err)
		}
	}
	w.files = make(map[string]*os.File)
	return first
}
