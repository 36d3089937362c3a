// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger is the pooled, authenticated interface to the relational
// store of Runs and Consumers. It persists runs of all five kinds under a
// single columnar shape and retries transient read failures, matching the
// "pooled connection, fresh session per operation" design of §4.5.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/basalt-compute/noded/pkg/model"
)

// ErrNotFound is returned when a run or consumer row does not exist.
var ErrNotFound = errors.New("not found")

// ErrTransient is the sentinel wrapped around read failures that are
// eligible for the bounded read-after-write retry in §4.5/§7.
var ErrTransient = errors.New("transient database error")

// PoolConfig tunes the underlying *sql.DB connection pool. Defaults mirror
// §4.5's stated defaults (120 base / 240 overflow / 5m recycle, 30s per
// statement); there is no separate checkout timeout, so waiting for a free
// connection is bounded only by the statement-timeout context. They are carried even though SQLite itself has no real
// connection concept, because the Ledger is written against database/sql so
// a pooled server backend could be swapped in without changing call sites.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	StatementTimeout time.Duration
}

// DefaultPoolConfig returns the §4.5 defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:     120,
		MaxIdleConns:     240,
		ConnMaxLifetime:  5 * time.Minute,
		StatementTimeout: 30 * time.Second,
	}
}

// PoolStats exposes connection pool occupancy, supplementing the spec from
// node/storage/db/db.py's get_pool_stats.
type PoolStats struct {
	OpenConnections int
	InUse           int
	Idle            int
}

// Store is the Ledger: a process-wide pool over a relational backend,
// opened once at startup and shared across every Run and Consumer
// operation.
type Store struct {
	db             *sql.DB
	statementTimeout time.Duration
}

// Open opens (and, if necessary, migrates) the store at dsn using the given
// pool tuning.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	s := &Store{db: db, statementTimeout: pool.StatementTimeout}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating schema")
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats reports current pool occupancy.
func (s *Store) Stats() PoolStats {
	st := s.db.Stats()
	return PoolStats{OpenConnections: st.OpenConnections, InUse: st.InUse, Idle: st.Idle}
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	consumer_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	deployment_json TEXT NOT NULL DEFAULT '{}',
	inputs_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	error INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	results_json TEXT NOT NULL DEFAULT '[]',
	created_time INTEGER NOT NULL,
	start_processing_time INTEGER,
	completed_time INTEGER,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	parent_runs_json TEXT NOT NULL DEFAULT '[]',
	child_runs_json TEXT NOT NULL DEFAULT '[]',
	FOREIGN KEY (consumer_id) REFERENCES consumers(id)
);
CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);

CREATE TABLE IF NOT EXISTS consumers (
	id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL UNIQUE
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withStatementTimeout bounds a single operation's context to the
// configured per-statement timeout (§4.5, §5).
func (s *Store) withStatementTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.statementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.statementTimeout)
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

// CreateRun inserts a new pending Run for the given kind, assigning an id
// and created_time, and returns the persisted row.
func (s *Store) CreateRun(ctx context.Context, kind model.RunKind, input model.RunInput) (model.Run, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()

	run := model.Run{
		ID:          uuid.NewString(),
		ConsumerID:  input.ConsumerID,
		Kind:        kind,
		Deployment:  input.Deployment,
		Inputs:      input.Inputs,
		Status:      model.StatusPending,
		Results:     []string{},
		CreatedTime: time.Now().UTC(),
		ParentRuns:  input.ParentRuns,
	}
	depJSON, err := json.Marshal(run.Deployment)
	if err != nil {
		return model.Run{}, errors.Wrap(err, "marshalling deployment")
	}
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return model.Run{}, errors.Wrap(err, "marshalling inputs")
	}
	parentsJSON, err := json.Marshal(run.ParentRuns)
	if err != nil {
		return model.Run{}, errors.Wrap(err, "marshalling parent runs")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, consumer_id, kind, deployment_json, inputs_json, status, results_json, created_time, parent_runs_json, child_runs_json)
		 VALUES (?, ?, ?, ?, ?, ?, '[]', ?, ?, '[]')`,
		run.ID, run.ConsumerID, string(kind), depJSON, inputsJSON, string(run.Status), run.CreatedTime.UnixMilli(), parentsJSON,
	)
	if err != nil {
		return model.Run{}, errors.Wrap(err, "inserting run")
	}
	return run, nil
}

// UpdateRun writes every mutable field of run back to storage. It reports
// false (with no error) if no row with that id and kind exists.
func (s *Store) UpdateRun(ctx context.Context, kind model.RunKind, id string, run model.Run) (bool, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()

	depJSON, err := json.Marshal(run.Deployment)
	if err != nil {
		return false, errors.Wrap(err, "marshalling deployment")
	}
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return false, errors.Wrap(err, "marshalling inputs")
	}
	resultsJSON, err := json.Marshal(run.Results)
	if err != nil {
		return false, errors.Wrap(err, "marshalling results")
	}
	parentsJSON, err := json.Marshal(run.ParentRuns)
	if err != nil {
		return false, errors.Wrap(err, "marshalling parent runs")
	}
	childrenJSON, err := json.Marshal(run.ChildRuns)
	if err != nil {
		return false, errors.Wrap(err, "marshalling child runs")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET deployment_json=?, inputs_json=?, status=?, error=?, error_message=?, results_json=?,
		 start_processing_time=?, completed_time=?, duration_ns=?, parent_runs_json=?, child_runs_json=?
		 WHERE id=? AND kind=?`,
		depJSON, inputsJSON, string(run.Status), run.Error, run.ErrorMessage, resultsJSON,
		toMillis(run.StartProcessingTime), toMillis(run.CompletedTime), run.Duration.Nanoseconds(), parentsJSON, childrenJSON,
		id, string(kind),
	)
	if err != nil {
		return false, errors.Wrap(err, "updating run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading rows affected")
	}
	return n > 0, nil
}

// GetRun looks up a single Run by kind and id, retrying up to three times
// with 1s spacing to absorb read-your-writes delay (§4.5).
func (s *Store) GetRun(ctx context.Context, kind model.RunKind, id string) (model.Run, error) {
	op := func() (model.Run, error) {
		return s.getRunOnce(ctx, kind, id)
	}
	run, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Run{}, err
		}
		return model.Run{}, errors.Wrap(ErrTransient, err.Error())
	}
	return run, nil
}

func (s *Store) getRunOnce(ctx context.Context, kind model.RunKind, id string) (model.Run, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, consumer_id, kind, deployment_json, inputs_json, status, error, error_message, results_json,
		 created_time, start_processing_time, completed_time, duration_ns, parent_runs_json, child_runs_json
		 FROM runs WHERE id=? AND kind=?`, id, string(kind))
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, err
	}
	return run, nil
}

// ListRuns returns every Run of the given kind, ordered by creation time.
func (s *Store) ListRuns(ctx context.Context, kind model.RunKind) ([]model.Run, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, consumer_id, kind, deployment_json, inputs_json, status, error, error_message, results_json,
		 created_time, start_processing_time, completed_time, duration_ns, parent_runs_json, child_runs_json
		 FROM runs WHERE kind=? ORDER BY created_time ASC`, string(kind))
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	defer rows.Close()
	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteRun removes a Run by kind and id, reporting whether a row existed.
func (s *Store) DeleteRun(ctx context.Context, kind model.RunKind, id string) (bool, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id=? AND kind=?`, id, string(kind))
	if err != nil {
		return false, errors.Wrap(err, "deleting run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// scanner abstracts *sql.Row and *sql.Rows, both of which provide Scan.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (model.Run, error) {
	var (
		run                                      model.Run
		kind, status                              string
		depJSON, inputsJSON, resultsJSON          []byte
		parentsJSON, childrenJSON                 []byte
		createdMs                                 int64
		startMs, completedMs                      sql.NullInt64
		durationNs                                int64
	)
	if err := sc.Scan(&run.ID, &run.ConsumerID, &kind, &depJSON, &inputsJSON, &status, &run.Error, &run.ErrorMessage,
		&resultsJSON, &createdMs, &startMs, &completedMs, &durationNs, &parentsJSON, &childrenJSON); err != nil {
		return model.Run{}, err
	}
	run.Kind = model.RunKind(kind)
	run.Status = model.RunStatus(status)
	run.CreatedTime = time.UnixMilli(createdMs).UTC()
	run.StartProcessingTime = fromMillis(startMs)
	run.CompletedTime = fromMillis(completedMs)
	run.Duration = time.Duration(durationNs)
	if err := json.Unmarshal(depJSON, &run.Deployment); err != nil {
		return model.Run{}, errors.Wrap(err, "unmarshalling deployment")
	}
	if err := json.Unmarshal(inputsJSON, &run.Inputs); err != nil {
		return model.Run{}, errors.Wrap(err, "unmarshalling inputs")
	}
	if err := json.Unmarshal(resultsJSON, &run.Results); err != nil {
		return model.Run{}, errors.Wrap(err, "unmarshalling results")
	}
	if err := json.Unmarshal(parentsJSON, &run.ParentRuns); err != nil {
		return model.Run{}, errors.Wrap(err, "unmarshalling parent runs")
	}
	if err := json.Unmarshal(childrenJSON, &run.ChildRuns); err != nil {
		return model.Run{}, errors.Wrap(err, "unmarshalling child runs")
	}
	return run, nil
}

// CreateConsumer inserts a Consumer row if one doesn't already exist for
// publicKey (register_user is idempotent per §3), returning the persisted
// row either way.
func (s *Store) CreateConsumer(ctx context.Context, publicKey string) (model.Consumer, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	if existing, err := s.getConsumerOnce(ctx, publicKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.Consumer{}, err
	}
	c := model.Consumer{ID: model.NewConsumerID(publicKey), PublicKey: publicKey}
	_, err := s.db.ExecContext(ctx, `INSERT INTO consumers (id, public_key) VALUES (?, ?)`, c.ID, c.PublicKey)
	if err != nil {
		return model.Consumer{}, errors.Wrap(err, "inserting consumer")
	}
	return c, nil
}

// GetConsumer is check_user: a pure lookup by public key.
func (s *Store) GetConsumer(ctx context.Context, publicKey string) (model.Consumer, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	return s.getConsumerOnce(ctx, publicKey)
}

func (s *Store) getConsumerOnce(ctx context.Context, publicKey string) (model.Consumer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, public_key FROM consumers WHERE public_key=?`, publicKey)
	var c model.Consumer
	if err := row.Scan(&c.ID, &c.PublicKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Consumer{}, ErrNotFound
		}
		return model.Consumer{}, err
	}
	return c, nil
}
