package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbiter-labs/warden/pkg/contracts"
)

// Logs is a fully loaded run directory, indexed by cycle. Loading is strict:
// a malformed line anywhere fails the load, because a log that cannot be
// parsed cannot be verified.
type Logs struct {
	Meta     RunMeta
	Complete *RunComplete

	Observations   map[int64][]contracts.Observation
	Artifacts      map[int64][]contracts.CandidateBundle
	Admission      map[int64][]contracts.AdmissionRecord
	Selector       map[int64][]contracts.SelectorRecord
	Execution      map[int64][]contracts.ExecutionRecord
	Outbox         map[int64][]contracts.OutboxRecord
	Reconciliation map[int64][]contracts.ReconciliationRecord
	StateHashes    map[int64]string

	// MaxCycle is the highest cycle index seen in any stream.
	MaxCycle int64
}

// Read loads every stream of a run directory. Missing optional streams load
// as empty; a missing run_meta stream is an error.
func Read(dir string) (*Logs, error) {
	logs := &Logs{
		Observations:   make(map[int64][]contracts.Observation),
		Artifacts:      make(map[int64][]contracts.CandidateBundle),
		Admission:      make(map[int64][]contracts.AdmissionRecord),
		Selector:       make(map[int64][]contracts.SelectorRecord),
		Execution:      make(map[int64][]contracts.ExecutionRecord),
		Outbox:         make(map[int64][]contracts.OutboxRecord),
		Reconciliation: make(map[int64][]contracts.ReconciliationRecord),
		StateHashes:    make(map[int64]string),
		MaxCycle:       -1,
	}

	if err := logs.readMeta(dir); err != nil {
		return nil, err
	}

	err := eachLine(dir, FileObservations, func(raw []byte) error {
		var line ObservationLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return err
		}
		logs.Observations[line.Cycle] = append(logs.Observations[line.Cycle], line.Observation)
		logs.see(line.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(dir, FileArtifacts, func(raw []byte) error {
		var line ArtifactLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return err
		}
		logs.Artifacts[line.Cycle] = append(logs.Artifacts[line.Cycle], line.Bundle)
		logs.see(line.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(dir, FileAdmission, func(raw []byte) error {
		var rec contracts.AdmissionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		logs.Admission[rec.Cycle] = append(logs.Admission[rec.Cycle], rec)
		logs.see(rec.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(dir, FileSelector, func(raw []byte) error {
		var rec contracts.SelectorRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		logs.Selector[rec.Cycle] = append(logs.Selector[rec.Cycle], rec)
		logs.see(rec.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(dir, FileExecution, func(raw []byte) error {
		var rec contracts.ExecutionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		logs.Execution[rec.Cycle] = append(logs.Execution[rec.Cycle], rec)
		logs.see(rec.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(dir, FileOutbox, func(raw []byte) error {
		var rec contracts.OutboxRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		logs.Outbox[rec.Cycle] = append(logs.Outbox[rec.Cycle], rec)
		logs.see(rec.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(dir, FileReconciliation, func(raw []byte) error {
		var rec contracts.ReconciliationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		logs.Reconciliation[rec.Cycle] = append(logs.Reconciliation[rec.Cycle], rec)
		logs.see(rec.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(dir, FileStateHashes, func(raw []byte) error {
		var line StateHashLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return err
		}
		logs.StateHashes[line.Cycle] = line.StateHash
		logs.see(line.Cycle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return logs, nil
}

func (l *Logs) see(cycle int64) {
	if cycle > l.MaxCycle {
		l.MaxCycle = cycle
	}
}

func (l *Logs) readMeta(dir string) error {
	found := false
	err := eachLine(dir, FileRunMeta, func(raw []byte) error {
		var probe struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return err
		}
		switch probe.Event {
		case EventRunStart:
			if err := json.Unmarshal(raw, &l.Meta); err != nil {
				return err
			}
			found = true
		case EventRunComplete:
			var rc RunComplete
			if err := json.Unmarshal(raw, &rc); err != nil {
				return err
			}
			l.Complete = &rc
		default:
			return fmt.Errorf("unknown run_meta event %q", probe.Event)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("runlog: %s: no RUN_START record", filepath.Join(dir, FileRunMeta))
	}
	return nil
}

// eachLine streams a JSONL file line by line. A missing file is treated as
// an empty stream except for run_meta, which the caller checks.
func eachLine(dir, file string, fn func(raw []byte) error) error {
	path := filepath.Join(dir, file)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("runlog: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := fn(raw); err != nil {
			return fmt.Errorf("runlog: %s line %d: %w", path, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("runlog: scan %s: %w", path, err)
	}
	return nil
}
