package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/resilience"
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
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pending_signatures (
	article_id    TEXT PRIMARY KEY,
	category      TEXT NOT NULL,
	published_at  DATETIME NOT NULL,
	signature     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	reject_reason TEXT,
	enqueued_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS groups (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	category       TEXT NOT NULL,
	label          TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	representative TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id   INTEGER NOT NULL REFERENCES groups(id),
	article_id TEXT NOT NULL UNIQUE,
	position   INTEGER NOT NULL,
	added_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (group_id, article_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	summary     TEXT NOT NULL,
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	article_id     TEXT NOT NULL,
	category       TEXT NOT NULL,
	failed_stage   TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_signatures(status, published_at);
CREATE INDEX IF NOT EXISTS idx_groups_category ON groups(category);
CREATE INDEX IF NOT EXISTS idx_groups_updated_at ON groups(updated_at);
CREATE INDEX IF NOT EXISTS idx_group_members_group_id ON group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry_at ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Pending signature queue

func (s *SQLiteStore) EnqueueSignatures(ctx context.Context, sigs []model.Signature) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin enqueue")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for _, sig := range sigs {
		sigJSON, err := json.Marshal(sig)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal signature %s", sig.ArticleID)
		}
		// Re-enqueueing an already known article is a no-op, except for
		// rejected rows: a corrected re-extraction replaces the bad
		// signature and returns the article to the pending queue.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pending_signatures (article_id, category, published_at, signature, status)
			 VALUES (?, ?, ?, ?, 'pending')
			 ON CONFLICT(article_id) DO UPDATE SET
			     category = excluded.category,
			     published_at = excluded.published_at,
			     signature = excluded.signature,
			     status = 'pending',
			     reject_reason = NULL,
			     updated_at = datetime('now')
			 WHERE pending_signatures.status = 'rejected'`,
			sig.ArticleID, string(sig.Category), sig.PublishedAt.UTC(), string(sigJSON),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: enqueue signature %s", sig.ArticleID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit enqueue")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]model.Signature, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature FROM pending_signatures
		 WHERE status = 'pending'
		 ORDER BY published_at ASC, article_id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending")
	}
	defer rows.Close()

	var sigs []model.Signature
	for rows.Next() {
		var sigJSON string
		if err := rows.Scan(&sigJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending")
		}
		var sig model.Signature
		if err := json.Unmarshal([]byte(sigJSON), &sig); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal signature")
		}
		sigs = append(sigs, sig)
	}
	return sigs, eris.Wrap(rows.Err(), "sqlite: list pending iterate")
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_signatures WHERE status = 'pending'`,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending")
}

func (s *SQLiteStore) MarkRejected(ctx context.Context, articleID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_signatures SET status = 'rejected', reject_reason = ?, updated_at = ?
		 WHERE article_id = ?`,
		reason, time.Now().UTC(), articleID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark rejected %s", articleID)
	}
	return checkRowsAffected(res, "pending signature", articleID)
}

// Groups

func (s *SQLiteStore) CreateGroup(ctx context.Context, category model.Category, label model.GroupLabel, sig model.Signature) (*model.Group, error) {
	rep := model.NewRepresentative(sig)
	repJSON, err := json.Marshal(rep)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal representative")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create group")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO groups (category, label, description, representative, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(category), label.Label, label.Description, string(repJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert group")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: group id")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO group_members (group_id, article_id, position, added_at) VALUES (?, ?, 0, ?)`,
		id, sig.ArticleID, now,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: seed member %s", sig.ArticleID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_signatures SET status = 'placed', updated_at = ? WHERE article_id = ?`,
		now, sig.ArticleID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark placed %s", sig.ArticleID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create group")
	}

	return &model.Group{
		ID:             id,
		Category:       category,
		Label:          label.Label,
		Description:    label.Description,
		Representative: rep,
		Members:        []string{sig.ArticleID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *SQLiteStore) AppendMember(ctx context.Context, groupID int64, sig model.Signature, rep model.Representative) error {
	repJSON, err := json.Marshal(rep)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal representative")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append member")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO group_members (group_id, article_id, position, added_at)
		 VALUES (?, ?, (SELECT COUNT(*) FROM group_members WHERE group_id = ?), ?)`,
		groupID, sig.ArticleID, groupID, now,
	); err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(err, "sqlite: article %s already placed", sig.ArticleID)
		}
		return eris.Wrapf(err, "sqlite: append member %s to group %d", sig.ArticleID, groupID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE groups SET representative = ?, updated_at = ? WHERE id = ?`,
		string(repJSON), now, groupID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: swap representative for group %d", groupID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: group %d", groupID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_signatures SET status = 'placed', updated_at = ? WHERE article_id = ?`,
		now, sig.ArticleID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: mark placed %s", sig.ArticleID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit append member")
}

func (s *SQLiteStore) UpdateLabel(ctx context.Context, groupID int64, label model.GroupLabel) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET label = ?, description = ?, updated_at = ? WHERE id = ?`,
		label.Label, label.Description, time.Now().UTC(), groupID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update label for group %d", groupID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: group %d", groupID)
	}
	return nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, groupID int64) (*model.Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, category, label, description, representative, created_at, updated_at
		 FROM groups WHERE id = ?`,
		groupID,
	)
	g, err := scanGroup(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadMembers(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *SQLiteStore) GetGroupByArticle(ctx context.Context, articleID string) (*model.Group, error) {
	var groupID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id FROM group_members WHERE article_id = ?`,
		articleID,
	).Scan(&groupID)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: article %s", articleID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lookup article %s", articleID)
	}
	return s.GetGroup(ctx, groupID)
}

func (s *SQLiteStore) ListGroups(ctx context.Context, filter GroupFilter) ([]model.Group, error) {
	query := `SELECT id, category, label, description, representative, created_at, updated_at
	          FROM groups WHERE 1=1`
	var args []any

	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(filter.Category))
	}
	if !filter.UpdatedSince.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, filter.UpdatedSince.UTC())
	}
	query += ` ORDER BY updated_at DESC`

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
		return nil, eris.Wrap(err, "sqlite: list groups")
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list groups iterate")
	}

	for i := range groups {
		if err := s.loadMembers(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *SQLiteStore) GroupCountsByCategory(ctx context.Context) (map[model.Category]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM groups GROUP BY category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: group counts")
	}
	defer rows.Close()

	counts := make(map[model.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group count")
		}
		counts[model.Category(cat)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: group counts iterate")
}

func (s *SQLiteStore) loadMembers(ctx context.Context, g *model.Group) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT article_id FROM group_members WHERE group_id = ? ORDER BY position ASC`,
		g.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: load members for group %d", g.ID)
	}
	defer rows.Close()

	g.Members = nil
	for rows.Next() {
		var articleID string
		if err := rows.Scan(&articleID); err != nil {
			return eris.Wrap(err, "sqlite: scan member")
		}
		g.Members = append(g.Members, articleID)
	}
	return eris.Wrap(rows.Err(), "sqlite: members iterate")
}

// Run records

func (s *SQLiteStore) RecordRun(ctx context.Context, run model.Run) error {
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, summary, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, summary = excluded.summary,
		   error = excluded.error, finished_at = excluded.finished_at`,
		run.ID, string(run.Status), string(summaryJSON), run.Error, run.StartedAt.UTC(), finished,
	)
	return eris.Wrapf(err, "sqlite: record run %s", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, summary, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var summaryJSON string
		var errMsg sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Status, &summaryJSON, &errMsg, &r.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if err := json.Unmarshal([]byte(summaryJSON), &r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
		}
		r.Error = errMsg.String
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, article_id, category, failed_stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ArticleID, entry.Category, entry.FailedStage, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq %s", entry.ArticleID)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, article_id, category, failed_stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.FailedStage != "" {
		query += ` AND failed_stage = ?`
		args = append(args, filter.FailedStage)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.ArticleID, &e.Category, &e.FailedStage, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) UpdateDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET error = ?, error_type = ?, retry_count = ?, next_retry_at = ?, last_failed_at = ?
		 WHERE id = ?`,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.NextRetryAt.UTC(), entry.LastFailedAt.UTC(), entry.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update dlq %s", entry.ID)
	}
	return checkRowsAffected(res, "dlq entry", entry.ID)
}

func (s *SQLiteStore) DeleteDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letter_queue WHERE id = ?`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dlq %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) DLQDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue`,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: dlq depth")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanGroup(row scannable) (*model.Group, error) {
	var g model.Group
	var repJSON string

	err := row.Scan(&g.ID, &g.Category, &g.Label, &g.Description, &repJSON, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: group")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan group")
	}
	if err := json.Unmarshal([]byte(repJSON), &g.Representative); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal representative")
	}
	return &g, nil
}
