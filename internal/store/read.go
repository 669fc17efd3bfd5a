package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ResourceRecord is the persisted knowledge about one produced resource.
type ResourceRecord struct {
	Address    string
	Signature  string
	Producer   string // process id
	Seq        int64
	ProducedAt time.Time
}

// ProcessRecord is the persisted outcome of the last execution of a process.
type ProcessRecord struct {
	ID         string
	Processor  string
	CodeHash   string
	Code       string
	Inputs     []string
	Outputs    []string
	RunID      string
	Seq        int64
	Success    bool
	ReturnCode int
	StartedAt  time.Time
	EndedAt    time.Time
	LogStdout  string
	LogStderr  string

	// InputSignatures holds the signature of every input at the time the
	// process ran.
	InputSignatures map[string]string
}

// RunRecord describes one engine run.
type RunRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Status    string
}

// Snapshot is the whole run-state read at once.
type Snapshot struct {
	Resources map[string]ResourceRecord
	Processes map[string]ProcessRecord
}

// Empty reports whether nothing was ever recorded.
func (s *Snapshot) Empty() bool {
	return len(s.Resources) == 0 && len(s.Processes) == 0
}

// Resource returns the record for address.
func (s *Snapshot) Resource(address string) (ResourceRecord, bool) {
	r, ok := s.Resources[address]
	return r, ok
}

// Process returns the record for a process id.
func (s *Snapshot) Process(id string) (ProcessRecord, bool) {
	p, ok := s.Processes[id]
	return p, ok
}

// Load reads the whole run-state.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Resources: make(map[string]ResourceRecord),
		Processes: make(map[string]ProcessRecord),
	}

	resources, err := s.ReadResources(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		snap.Resources[r.Address] = r
	}

	processes, err := s.ReadProcesses(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range processes {
		snap.Processes[p.ID] = p
	}
	return snap, nil
}

// ReadResources returns every resource record ordered by seq, then address.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) ReadResources(ctx context.Context) ([]ResourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, signature, producer, seq, produced_at
		FROM resources
		ORDER BY seq ASC, address COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	out := []ResourceRecord{}
	for rows.Next() {
		var (
			r          ResourceRecord
			producedAt string
		)
		if err := rows.Scan(&r.Address, &r.Signature, &r.Producer, &r.Seq, &producedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		if r.ProducedAt, err = parseTime(producedAt); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.Address, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

// ReadProcesses returns every process record ordered by seq, then id.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) ReadProcesses(ctx context.Context) ([]ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, processor, code_hash, code, inputs, outputs, input_signatures,
		       success, return_code, started_at, ended_at, log_stdout, log_stderr, run_id, seq
		FROM processes
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()

	out := []ProcessRecord{}
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processes: %w", err)
	}
	return out, nil
}

func scanProcess(rows *sql.Rows) (ProcessRecord, error) {
	var (
		p                     ProcessRecord
		inputs, outputs, sigs string
		success               int
		startedAt, endedAt    string
	)
	err := rows.Scan(&p.ID, &p.Processor, &p.CodeHash, &p.Code, &inputs, &outputs, &sigs,
		&success, &p.ReturnCode, &startedAt, &endedAt, &p.LogStdout, &p.LogStderr, &p.RunID, &p.Seq)
	if err != nil {
		return ProcessRecord{}, fmt.Errorf("scan process: %w", err)
	}
	p.Success = success != 0

	if p.Inputs, err = unmarshalList(inputs); err != nil {
		return ProcessRecord{}, fmt.Errorf("process %s: %w", p.ID, err)
	}
	if p.Outputs, err = unmarshalList(outputs); err != nil {
		return ProcessRecord{}, fmt.Errorf("process %s: %w", p.ID, err)
	}
	if p.InputSignatures, err = unmarshalSignatures(sigs); err != nil {
		return ProcessRecord{}, fmt.Errorf("process %s: %w", p.ID, err)
	}
	if p.StartedAt, err = parseTime(startedAt); err != nil {
		return ProcessRecord{}, fmt.Errorf("process %s: %w", p.ID, err)
	}
	if p.EndedAt, err = parseTime(endedAt); err != nil {
		return ProcessRecord{}, fmt.Errorf("process %s: %w", p.ID, err)
	}
	return p, nil
}

// HasRun reports whether any run was ever started against this store.
func (s *Store) HasRun(ctx context.Context) (bool, error) {
	var found bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs)`).Scan(&found); err != nil {
		return false, fmt.Errorf("query runs: %w", err)
	}
	return found, nil
}

// ReadRuns returns every run ordered by start time, then id.
func (s *Store) ReadRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, COALESCE(ended_at, ''), status
		FROM runs
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := []RunRecord{}
	for rows.Next() {
		var (
			r                  RunRecord
			startedAt, endedAt string
		)
		if err := rows.Scan(&r.ID, &startedAt, &endedAt, &r.Status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
