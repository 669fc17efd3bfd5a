package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunAborted   = "aborted"
)

// nextSeq returns the seq for the next commit. Called inside a transaction,
// so concurrent commits cannot share a value.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM (
			SELECT seq FROM resources UNION ALL SELECT seq FROM processes
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

// CommitProcess records a successful execution: the process row and the
// signature of every output, in one transaction. Output records overwrite any
// earlier record for the same address.
func (s *Store) CommitProcess(ctx context.Context, rec ProcessRecord, outputs []ResourceRecord) error {
	rec.Success = true
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		rec.Seq = seq
		if err := upsertProcess(ctx, tx, rec); err != nil {
			return err
		}

		producedAt := formatTime(s.now())
		for _, r := range outputs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO resources (address, signature, producer, seq, produced_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(address) DO UPDATE SET
					signature = excluded.signature,
					producer = excluded.producer,
					seq = excluded.seq,
					produced_at = excluded.produced_at
			`, r.Address, r.Signature, rec.ID, seq, producedAt)
			if err != nil {
				return fmt.Errorf("write resource %s: %w", r.Address, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit process %s: %w", rec.ID, err)
	}
	return nil
}

// RecordFailure records a failed execution. Output records are left as they
// were: nothing the process wrote is confirmed correct.
func (s *Store) RecordFailure(ctx context.Context, rec ProcessRecord) error {
	rec.Success = false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		rec.Seq = seq
		return upsertProcess(ctx, tx, rec)
	})
	if err != nil {
		return fmt.Errorf("record failure of %s: %w", rec.ID, err)
	}
	return nil
}

func upsertProcess(ctx context.Context, tx *sql.Tx, rec ProcessRecord) error {
	inputs, err := marshalList(rec.Inputs)
	if err != nil {
		return err
	}
	outputs, err := marshalList(rec.Outputs)
	if err != nil {
		return err
	}
	sigs, err := marshalSignatures(rec.InputSignatures)
	if err != nil {
		return err
	}
	success := 0
	if rec.Success {
		success = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processes
		(id, processor, code_hash, code, inputs, outputs, input_signatures,
		 success, return_code, started_at, ended_at, log_stdout, log_stderr, run_id, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			processor = excluded.processor,
			code_hash = excluded.code_hash,
			code = excluded.code,
			inputs = excluded.inputs,
			outputs = excluded.outputs,
			input_signatures = excluded.input_signatures,
			success = excluded.success,
			return_code = excluded.return_code,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			log_stdout = excluded.log_stdout,
			log_stderr = excluded.log_stderr,
			run_id = excluded.run_id,
			seq = excluded.seq
	`,
		rec.ID, rec.Processor, rec.CodeHash, rec.Code, inputs, outputs, sigs,
		success, rec.ReturnCode, formatTime(rec.StartedAt), formatTime(rec.EndedAt),
		rec.LogStdout, rec.LogStderr, rec.RunID, rec.Seq,
	)
	if err != nil {
		return fmt.Errorf("write process %s: %w", rec.ID, err)
	}
	return nil
}

// Forget drops the records of the given addresses in one transaction and
// returns how many existed.
func (s *Store) Forget(ctx context.Context, addresses []string) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range addresses {
			res, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE address = ?`, a)
			if err != nil {
				return fmt.Errorf("forget %s: %w", a, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			n += int(affected)
		}
		return nil
	})
	return n, err
}

// ForgetProcesses drops the process rows of the given ids in one
// transaction. Resource records are not touched.
func (s *Store) ForgetProcesses(ctx context.Context, ids []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, id); err != nil {
				return fmt.Errorf("forget process %s: %w", id, err)
			}
		}
		return nil
	})
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status) VALUES (?, ?, ?)
	`, id, formatTime(s.now()), RunRunning)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", id, err)
	}
	return nil
}

// FinishRun records the end of a run with its final status.
func (s *Store) FinishRun(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, status = ? WHERE id = ?
	`, formatTime(s.now()), status, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}
