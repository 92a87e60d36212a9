package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/evidence-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cycles (
	id         TEXT PRIMARY KEY,
	cycle      INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	report     TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cycle_phases (
	id         TEXT PRIMARY KEY,
	cycle_id   TEXT NOT NULL REFERENCES cycles(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS snapshots (
	version        INTEGER PRIMARY KEY,
	parent_version INTEGER NOT NULL DEFAULT 0,
	cycle          INTEGER NOT NULL,
	data           TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS snapshot_head (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL REFERENCES snapshots(version),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS decisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	evidence_id TEXT NOT NULL,
	cycle       INTEGER NOT NULL,
	score       REAL NOT NULL,
	weights     TEXT NOT NULL,
	decision    TEXT NOT NULL,
	revisit     INTEGER NOT NULL DEFAULT 0,
	decided_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quarantine (
	id          TEXT PRIMARY KEY,
	cycle       INTEGER NOT NULL,
	record_kind TEXT NOT NULL,
	record_id   TEXT,
	payload     TEXT NOT NULL,
	error       TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status);
CREATE INDEX IF NOT EXISTS idx_cycle_phases_cycle_id ON cycle_phases(cycle_id);
CREATE INDEX IF NOT EXISTS idx_decisions_evidence_id ON decisions(evidence_id);
CREATE INDEX IF NOT EXISTS idx_quarantine_cycle ON quarantine(cycle);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCycle(ctx context.Context, cycle int) (*model.CycleRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, cycle, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, cycle, string(model.CycleStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert cycle")
	}
	return &model.CycleRun{
		ID:        id,
		Cycle:     cycle,
		Status:    model.CycleStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteCycle(ctx context.Context, id string, report *model.CycleReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET report = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(reportJSON), string(model.CycleStatusComplete), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete cycle %s", id)
	}
	return checkRowsAffected(res, "cycle", id)
}

func (s *SQLiteStore) FailCycle(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET error = ?, status = ?, updated_at = ? WHERE id = ?`,
		reason, string(model.CycleStatusFailed), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail cycle %s", id)
	}
	return checkRowsAffected(res, "cycle", id)
}

func (s *SQLiteStore) ListCycles(ctx context.Context, filter CycleFilter) ([]model.CycleRun, error) {
	query := `SELECT id, cycle, status, report, error, created_at, updated_at FROM cycles WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, cycle DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cycles")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.CycleRun
	for rows.Next() {
		var r model.CycleRun
		var reportJSON, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.Cycle, &r.Status, &reportJSON, &errText, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cycle")
		}
		if reportJSON.Valid {
			r.Report = &model.CycleReport{}
			if err := json.Unmarshal([]byte(reportJSON.String), r.Report); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal report")
			}
		}
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list cycles iterate")
}

func (s *SQLiteStore) CreatePhase(ctx context.Context, cycleID string, name string) (*model.CyclePhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_phases (id, cycle_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, cycleID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert phase for cycle %s", cycleID)
	}
	return &model.CyclePhase{
		ID:        id,
		CycleID:   cycleID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycle_phases SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), string(resultJSON), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete phase %s", phaseID)
	}
	return checkRowsAffected(res, "phase", phaseID)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot, decisions []model.DecisionEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin snapshot tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var head int
	err = tx.QueryRowContext(ctx, `SELECT version FROM snapshot_head WHERE id = 1`).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrap(err, "sqlite: read snapshot head")
	}
	if head != snap.ParentVersion {
		return 0, eris.Wrapf(ErrStaleParent, "sqlite: parent %d, active %d", snap.ParentVersion, head)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots`).Scan(&version); err != nil {
		return 0, eris.Wrap(err, "sqlite: next snapshot version")
	}
	snap.Version = version

	data, err := json.Marshal(snap)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal snapshot")
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (version, parent_version, cycle, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		version, snap.ParentVersion, snap.Cycle, string(data), now,
	); err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert snapshot %d", version)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_head (id, version, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		version, now,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: move snapshot head")
	}

	for _, d := range decisions {
		weights, err := json.Marshal(d.Weights)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal decision weights")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO decisions (evidence_id, cycle, score, weights, decision, revisit, decided_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.EvidenceID, d.Cycle, d.Score, string(weights), string(d.Decision), d.Revisit, d.DecidedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert decision %s", d.EvidenceID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit snapshot")
	}
	return version, nil
}

func (s *SQLiteStore) LoadActiveSnapshot(ctx context.Context) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.data FROM snapshots s JOIN snapshot_head h ON h.version = s.version WHERE h.id = 1`,
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, eris.Wrap(err, "sqlite: load active snapshot")
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, version int) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE version = ?`, version)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("snapshot not found: %d", version)
	}
	return snap, eris.Wrapf(err, "sqlite: get snapshot %d", version)
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.version, s.parent_version, s.cycle, COALESCE(h.id, 0)
		 FROM snapshots s LEFT JOIN snapshot_head h ON h.version = s.version
		 ORDER BY s.version DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close() //nolint:errcheck

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var head int
		if err := rows.Scan(&info.Version, &info.ParentVersion, &info.Cycle, &head); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot info")
		}
		info.Active = head == 1
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list snapshots iterate")
}

func (s *SQLiteStore) ActivateSnapshot(ctx context.Context, version int) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE version = ?`, version).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Errorf("snapshot not found: %d", version)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check snapshot %d", version)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshot_head (id, version, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		version, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: activate snapshot %d", version)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, evidenceID string) ([]model.DecisionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT evidence_id, cycle, score, weights, decision, revisit, decided_at
		 FROM decisions WHERE evidence_id = ? ORDER BY id`, evidenceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DecisionEntry
	for rows.Next() {
		var d model.DecisionEntry
		var weights string
		if err := rows.Scan(&d.EvidenceID, &d.Cycle, &d.Score, &weights, &d.Decision, &d.Revisit, &d.DecidedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		if err := json.Unmarshal([]byte(weights), &d.Weights); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal decision weights")
		}
		d.SchemaVersion = model.SchemaVersion
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) EnqueueQuarantine(ctx context.Context, entries []model.QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin quarantine tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quarantine (id, cycle, record_kind, record_id, payload, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Cycle, e.RecordKind, e.RecordID, string(e.Payload), e.Error, e.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: enqueue quarantine %s", e.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit quarantine")
}

func (s *SQLiteStore) ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]model.QuarantineEntry, error) {
	query := `SELECT id, cycle, record_kind, record_id, payload, error, created_at FROM quarantine WHERE 1=1`
	var args []any
	if filter.Cycle > 0 {
		query += ` AND cycle = ?`
		args = append(args, filter.Cycle)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quarantine")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QuarantineEntry
	for rows.Next() {
		var e model.QuarantineEntry
		var recordID sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.Cycle, &e.RecordKind, &recordID, &payload, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quarantine")
		}
		e.RecordID = recordID.String
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list quarantine iterate")
}

func (s *SQLiteStore) CountQuarantine(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count quarantine")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scannable) (*model.Snapshot, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, eris.Wrap(err, "unmarshal snapshot")
	}
	return &snap, nil
}
