package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_cycle":     `INSERT INTO cycles (id, cycle, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"insert_phase":     `INSERT INTO cycle_phases (id, cycle_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"complete_phase":   `UPDATE cycle_phases SET status = $1, result = $2 WHERE id = $3`,
	"get_snapshot":     `SELECT data FROM snapshots WHERE version = $1`,
	"load_active":      `SELECT s.data FROM snapshots s JOIN snapshot_head h ON h.version = s.version WHERE h.id = 1`,
	"list_decisions":   `SELECT evidence_id, cycle, score, weights, decision, revisit, decided_at FROM decisions WHERE evidence_id = $1 ORDER BY id`,
	"count_quarantine": `SELECT COUNT(*) FROM quarantine`,
	"next_snapshot":    `SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cycles (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	cycle      INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	report     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cycle_phases (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	cycle_id   TEXT NOT NULL REFERENCES cycles(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshots (
	version        INTEGER PRIMARY KEY,
	parent_version INTEGER NOT NULL DEFAULT 0,
	cycle          INTEGER NOT NULL,
	data           JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshot_head (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL REFERENCES snapshots(version),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decisions (
	id          BIGSERIAL PRIMARY KEY,
	evidence_id TEXT NOT NULL,
	cycle       INTEGER NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	weights     JSONB NOT NULL,
	decision    TEXT NOT NULL,
	revisit     BOOLEAN NOT NULL DEFAULT false,
	decided_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quarantine (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	cycle       INTEGER NOT NULL,
	record_kind TEXT NOT NULL,
	record_id   TEXT,
	payload     JSONB NOT NULL,
	error       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status);
CREATE INDEX IF NOT EXISTS idx_cycle_phases_cycle_id ON cycle_phases(cycle_id);
CREATE INDEX IF NOT EXISTS idx_decisions_evidence_id ON decisions(evidence_id);
CREATE INDEX IF NOT EXISTS idx_quarantine_cycle ON quarantine(cycle);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateCycle(ctx context.Context, cycle int) (*model.CycleRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO cycles (id, cycle, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, cycle, string(model.CycleStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert cycle")
	}
	return &model.CycleRun{
		ID:        id,
		Cycle:     cycle,
		Status:    model.CycleStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteCycle(ctx context.Context, id string, report *model.CycleReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE cycles SET report = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reportJSON, string(model.CycleStatusComplete), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete cycle %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("cycle not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FailCycle(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cycles SET error = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reason, string(model.CycleStatusFailed), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail cycle %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("cycle not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListCycles(ctx context.Context, filter CycleFilter) ([]model.CycleRun, error) {
	query := `SELECT id, cycle, status, report, error, created_at, updated_at FROM cycles WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, cycle DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cycles")
	}
	defer rows.Close()

	var runs []model.CycleRun
	for rows.Next() {
		var r model.CycleRun
		var status string
		var reportJSON []byte
		var errText *string
		if err := rows.Scan(&r.ID, &r.Cycle, &status, &reportJSON, &errText, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cycle")
		}
		r.Status = model.CycleStatus(status)
		if len(reportJSON) > 0 {
			r.Report = &model.CycleReport{}
			if err := json.Unmarshal(reportJSON, r.Report); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal report")
			}
		}
		if errText != nil {
			r.Error = *errText
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list cycles iterate")
}

func (s *PostgresStore) CreatePhase(ctx context.Context, cycleID string, name string) (*model.CyclePhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO cycle_phases (id, cycle_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, cycleID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert phase for cycle %s", cycleID)
	}
	return &model.CyclePhase{
		ID:        id,
		CycleID:   cycleID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE cycle_phases SET status = $1, result = $2 WHERE id = $3`,
		string(result.Status), resultJSON, phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete phase %s", phaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("phase not found: %s", phaseID)
	}
	return nil
}

var decisionColumns = []string{"evidence_id", "cycle", "score", "weights", "decision", "revisit", "decided_at"}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot, decisions []model.DecisionEntry) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin snapshot tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var head int
	err = tx.QueryRow(ctx, `SELECT version FROM snapshot_head WHERE id = 1 FOR UPDATE`).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrap(err, "postgres: read snapshot head")
	}
	if head != snap.ParentVersion {
		return 0, eris.Wrapf(ErrStaleParent, "postgres: parent %d, active %d", snap.ParentVersion, head)
	}

	var version int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots`).Scan(&version); err != nil {
		return 0, eris.Wrap(err, "postgres: next snapshot version")
	}
	snap.Version = version

	data, err := json.Marshal(snap)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal snapshot")
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (version, parent_version, cycle, data, created_at) VALUES ($1, $2, $3, $4, $5)`,
		version, snap.ParentVersion, snap.Cycle, data, now,
	); err != nil {
		return 0, eris.Wrapf(err, "postgres: insert snapshot %d", version)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshot_head (id, version, updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		version, now,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: move snapshot head")
	}

	rows := make([][]any, 0, len(decisions))
	for _, d := range decisions {
		weights, err := json.Marshal(d.Weights)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal decision weights")
		}
		rows = append(rows, []any{d.EvidenceID, d.Cycle, d.Score, weights, string(d.Decision), d.Revisit, d.DecidedAt})
	}
	if _, err := db.CopyFrom(ctx, tx, "decisions", decisionColumns, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: append decisions")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit snapshot")
	}
	return version, nil
}

func (s *PostgresStore) LoadActiveSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT s.data FROM snapshots s JOIN snapshot_head h ON h.version = s.version WHERE h.id = 1`,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: load active snapshot")
	}
	return decodeSnapshot(data)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, version int) (*model.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM snapshots WHERE version = $1`, version).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("snapshot not found: %d", version)
		}
		return nil, eris.Wrapf(err, "postgres: get snapshot %d", version)
	}
	return decodeSnapshot(data)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT s.version, s.parent_version, s.cycle, h.id IS NOT NULL
		 FROM snapshots s LEFT JOIN snapshot_head h ON h.version = s.version
		 ORDER BY s.version DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Version, &info.ParentVersion, &info.Cycle, &info.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot info")
		}
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list snapshots iterate")
}

func (s *PostgresStore) ActivateSnapshot(ctx context.Context, version int) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO snapshot_head (id, version, updated_at)
		 SELECT 1, version, $2 FROM snapshots WHERE version = $1
		 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		version, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: activate snapshot %d", version)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("snapshot not found: %d", version)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, evidenceID string) ([]model.DecisionEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT evidence_id, cycle, score, weights, decision, revisit, decided_at
		 FROM decisions WHERE evidence_id = $1 ORDER BY id`, evidenceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var out []model.DecisionEntry
	for rows.Next() {
		var d model.DecisionEntry
		var weights []byte
		var decision string
		if err := rows.Scan(&d.EvidenceID, &d.Cycle, &d.Score, &weights, &decision, &d.Revisit, &d.DecidedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		if err := json.Unmarshal(weights, &d.Weights); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal decision weights")
		}
		d.Decision = model.Decision(decision)
		d.SchemaVersion = model.SchemaVersion
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

var quarantineColumns = []string{"id", "cycle", "record_kind", "record_id", "payload", "error", "created_at"}

func (s *PostgresStore) EnqueueQuarantine(ctx context.Context, entries []model.QuarantineEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.ID, e.Cycle, e.RecordKind, e.RecordID, e.Payload, e.Error, e.CreatedAt})
	}
	_, err := db.CopyFrom(ctx, s.pool, "quarantine", quarantineColumns, rows)
	return eris.Wrap(err, "postgres: enqueue quarantine")
}

func (s *PostgresStore) ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]model.QuarantineEntry, error) {
	query := `SELECT id, cycle, record_kind, record_id, payload, error, created_at FROM quarantine WHERE true`
	args := []any{}
	argIdx := 1
	if filter.Cycle > 0 {
		query += fmt.Sprintf(` AND cycle = $%d`, argIdx)
		args = append(args, filter.Cycle)
		argIdx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quarantine")
	}
	defer rows.Close()

	var out []model.QuarantineEntry
	for rows.Next() {
		var e model.QuarantineEntry
		var recordID *string
		if err := rows.Scan(&e.ID, &e.Cycle, &e.RecordKind, &recordID, &e.Payload, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quarantine")
		}
		if recordID != nil {
			e.RecordID = *recordID
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list quarantine iterate")
}

func (s *PostgresStore) CountQuarantine(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count quarantine")
}

func decodeSnapshot(data []byte) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
	}
	return &snap, nil
}
