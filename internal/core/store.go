package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/unimigrate/pkg/api"
)

// Store is the SQLite-backed run ledger.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (creating if needed) the ledger at path. ":memory:" is accepted.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; an in-memory database also lives and dies with its connection
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// StartRun records a new running run and returns it with a fresh id.
func (s *Store) StartRun(ctx context.Context, network, chainID, plan, deployer string) (api.Run, error) {
	run := api.Run{
		ID:        uuid.NewString(),
		Network:   network,
		ChainID:   chainID,
		Plan:      plan,
		Deployer:  deployer,
		Status:    api.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, network, chain_id, plan, deployer, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Network, run.ChainID, run.Plan, run.Deployer, string(run.Status), formatTime(run.StartedAt))
	if err != nil {
		return api.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// SetStep records the index of the step a run is working on.
func (s *Store) SetStep(ctx context.Context, runID string, step int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET current_step = ? WHERE id = ?`, step, runID)
	if err != nil {
		return fmt.Errorf("update run step: %w", err)
	}
	return nil
}

// FinishRun marks a run succeeded, or failed at failedStep with cause.
func (s *Store) FinishRun(ctx context.Context, runID string, status api.RunStatus, failedStep string, cause error) error {
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_step = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), failedStep, msg, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// AddDeployment appends a deployment to a run.
func (s *Store) AddDeployment(ctx context.Context, runID string, d api.DeploymentRecord) error {
	args, err := json.Marshal(d.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (run_id, seq, step, contract, address, tx_hash, block_number, gas_used, args, encoded_args)
		 VALUES (?, (SELECT COUNT(*) FROM deployments WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, runID, d.Step, d.Contract, d.Address, d.TxHash, int64(d.BlockNumber), int64(d.GasUsed), string(args), d.EncodedArgs)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// AddBinding appends a setter transaction to a run.
func (s *Store) AddBinding(ctx context.Context, runID string, b api.BindingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings (run_id, seq, name, target, method, arg, tx_hash, block_number, gas_used)
		 VALUES (?, (SELECT COUNT(*) FROM bindings WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
		runID, runID, b.Name, b.Target, b.Method, b.Arg, b.TxHash, int64(b.BlockNumber), int64(b.GasUsed))
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

const runColumns = `id, network, chain_id, plan, deployer, status, current_step, failed_step, error, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (api.Run, error) {
	var (
		r        api.Run
		status   string
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Network, &r.ChainID, &r.Plan, &r.Deployer, &status,
		&r.CurrentStep, &r.FailedStep, &r.Error, &started, &finished); err != nil {
		return api.Run{}, err
	}
	r.Status = api.RunStatus(status)
	r.StartedAt, _ = time.Parse(timeLayout, started)
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	return r, nil
}

// Run returns a run by id.
func (s *Store) Run(ctx context.Context, id string) (api.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return api.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// LastSucceeded returns the most recent succeeded run of plan on network
// and chain, or nil when there is none.
func (s *Store) LastSucceeded(ctx context.Context, network, chainID, plan string) (*api.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE network = ? AND chain_id = ? AND plan = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		network, chainID, plan, string(api.RunSucceeded)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last run: %w", err)
	}
	return &r, nil
}

// Runs lists the runs for network, newest first. An empty network lists all.
func (s *Store) Runs(ctx context.Context, network string, limit int) ([]api.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE (? = '' OR network = ?) ORDER BY started_at DESC LIMIT ?`,
		network, network, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []api.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Report loads a run with its deployments and bindings, in the order they were sent.
func (s *Store) Report(ctx context.Context, runID string) (api.Report, error) {
	run, err := s.Run(ctx, runID)
	if err != nil {
		return api.Report{}, err
	}
	rep := api.Report{Run: run, Deployments: []api.DeploymentRecord{}, Bindings: []api.BindingRecord{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step, contract, address, tx_hash, block_number, gas_used, args, encoded_args
		 FROM deployments WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return api.Report{}, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d           api.DeploymentRecord
			block, used int64
			args        string
		)
		if err := rows.Scan(&d.Step, &d.Contract, &d.Address, &d.TxHash, &block, &used, &args, &d.EncodedArgs); err != nil {
			return api.Report{}, fmt.Errorf("scan deployment: %w", err)
		}
		d.BlockNumber, d.GasUsed = uint64(block), uint64(used)
		if err := json.Unmarshal([]byte(args), &d.Args); err != nil {
			return api.Report{}, fmt.Errorf("decode deployment args: %w", err)
		}
		rep.Deployments = append(rep.Deployments, d)
	}
	if err := rows.Err(); err != nil {
		return api.Report{}, err
	}

	brows, err := s.db.QueryContext(ctx,
		`SELECT name, target, method, arg, tx_hash, block_number, gas_used
		 FROM bindings WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return api.Report{}, fmt.Errorf("query bindings: %w", err)
	}
	defer brows.Close()
	for brows.Next() {
		var (
			b           api.BindingRecord
			block, used int64
		)
		if err := brows.Scan(&b.Name, &b.Target, &b.Method, &b.Arg, &b.TxHash, &block, &used); err != nil {
			return api.Report{}, fmt.Errorf("scan binding: %w", err)
		}
		b.BlockNumber, b.GasUsed = uint64(block), uint64(used)
		rep.Bindings = append(rep.Bindings, b)
	}
	return rep, brows.Err()
}
