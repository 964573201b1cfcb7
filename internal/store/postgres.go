package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/pulsefeed/grouper/internal/db"
	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/resilience"
)

// PostgresStore implements Store on a pgx connection pool. It accepts the
// db.Pool interface so tests can substitute pgxmock.
type PostgresStore struct {
	pool db.Pool
}

func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pending_signatures (
	article_id    TEXT PRIMARY KEY,
	category      TEXT NOT NULL,
	published_at  TIMESTAMPTZ NOT NULL,
	signature     JSONB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	reject_reason TEXT,
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS groups (
	id             BIGSERIAL PRIMARY KEY,
	category       TEXT NOT NULL,
	label          TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	representative JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id   BIGINT NOT NULL REFERENCES groups(id),
	article_id TEXT NOT NULL UNIQUE,
	position   INTEGER NOT NULL,
	added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (group_id, article_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	summary     JSONB NOT NULL,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
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
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_signatures(status, published_at);
CREATE INDEX IF NOT EXISTS idx_groups_category ON groups(category);
CREATE INDEX IF NOT EXISTS idx_groups_updated_at ON groups(updated_at);
CREATE INDEX IF NOT EXISTS idx_group_members_group_id ON group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry_at ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pending signature queue

// EnqueueSignatures bulk-loads new signatures with COPY through a staging
// table and merges them into the queue. Article ids already present are
// ignored unless their row was rejected, in which case the corrected
// signature replaces it and the article returns to the pending queue.
func (s *PostgresStore) EnqueueSignatures(ctx context.Context, sigs []model.Signature) (int, error) {
	rows := make([][]any, 0, len(sigs))
	for _, sig := range sigs {
		sigJSON, err := json.Marshal(sig)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal signature %s", sig.ArticleID)
		}
		rows = append(rows, []any{sig.ArticleID, string(sig.Category), sig.PublishedAt.UTC(), sigJSON, "pending"})
	}

	n, err := db.BulkMerge(ctx, s.pool, db.MergeConfig{
		Table:        "pending_signatures",
		Columns:      []string{"article_id", "category", "published_at", "signature", "status"},
		ConflictKeys: []string{"article_id"},
		UpdateCols:   []string{"category", "published_at", "signature", "status", "reject_reason", "updated_at"},
		UpdateWhere:  `pending_signatures.status = 'rejected'`,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: enqueue signatures")
	}
	return int(n), nil
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]model.Signature, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT signature FROM pending_signatures
		 WHERE status = 'pending'
		 ORDER BY published_at ASC, article_id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending")
	}
	defer rows.Close()

	var sigs []model.Signature
	for rows.Next() {
		var sigJSON []byte
		if err := rows.Scan(&sigJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending")
		}
		var sig model.Signature
		if err := json.Unmarshal(sigJSON, &sig); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal signature")
		}
		sigs = append(sigs, sig)
	}
	return sigs, eris.Wrap(rows.Err(), "postgres: list pending iterate")
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pending_signatures WHERE status = 'pending'`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending")
}

func (s *PostgresStore) MarkRejected(ctx context.Context, articleID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_signatures SET status = 'rejected', reject_reason = $1, updated_at = now()
		 WHERE article_id = $2`,
		reason, articleID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark rejected %s", articleID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pending signature %s", articleID)
	}
	return nil
}

// Groups

func (s *PostgresStore) CreateGroup(ctx context.Context, category model.Category, label model.GroupLabel, sig model.Signature) (*model.Group, error) {
	rep := model.NewRepresentative(sig)
	repJSON, err := json.Marshal(rep)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal representative")
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create group")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO groups (category, label, description, representative, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
		string(category), label.Label, label.Description, repJSON, now,
	).Scan(&id); err != nil {
		return nil, eris.Wrap(err, "postgres: insert group")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO group_members (group_id, article_id, position, added_at) VALUES ($1, $2, 0, $3)`,
		id, sig.ArticleID, now,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: seed member %s", sig.ArticleID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pending_signatures SET status = 'placed', updated_at = $1 WHERE article_id = $2`,
		now, sig.ArticleID,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: mark placed %s", sig.ArticleID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create group")
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

func (s *PostgresStore) AppendMember(ctx context.Context, groupID int64, sig model.Signature, rep model.Representative) error {
	repJSON, err := json.Marshal(rep)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal representative")
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append member")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO group_members (group_id, article_id, position, added_at)
		 VALUES ($1, $2, (SELECT COUNT(*) FROM group_members WHERE group_id = $1), $3)`,
		groupID, sig.ArticleID, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: append member %s to group %d", sig.ArticleID, groupID)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE groups SET representative = $1, updated_at = $2 WHERE id = $3`,
		repJSON, now, groupID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: swap representative for group %d", groupID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: group %d", groupID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pending_signatures SET status = 'placed', updated_at = $1 WHERE article_id = $2`,
		now, sig.ArticleID,
	); err != nil {
		return eris.Wrapf(err, "postgres: mark placed %s", sig.ArticleID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit append member")
}

func (s *PostgresStore) UpdateLabel(ctx context.Context, groupID int64, label model.GroupLabel) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE groups SET label = $1, description = $2, updated_at = now() WHERE id = $3`,
		label.Label, label.Description, groupID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update label for group %d", groupID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: group %d", groupID)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID int64) (*model.Group, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, category, label, description, representative, created_at, updated_at
		 FROM groups WHERE id = $1`,
		groupID,
	)
	g, err := scanPGGroup(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadMembers(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *PostgresStore) GetGroupByArticle(ctx context.Context, articleID string) (*model.Group, error) {
	var groupID int64
	err := s.pool.QueryRow(ctx,
		`SELECT group_id FROM group_members WHERE article_id = $1`,
		articleID,
	).Scan(&groupID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: article %s", articleID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lookup article %s", articleID)
	}
	return s.GetGroup(ctx, groupID)
}

func (s *PostgresStore) ListGroups(ctx context.Context, filter GroupFilter) ([]model.Group, error) {
	query := `SELECT id, category, label, description, representative, created_at, updated_at
	          FROM groups WHERE 1=1`
	var args []any

	if filter.Category != "" {
		args = append(args, string(filter.Category))
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	if !filter.UpdatedSince.IsZero() {
		args = append(args, filter.UpdatedSince.UTC())
		query += fmt.Sprintf(` AND updated_at >= $%d`, len(args))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list groups")
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		g, err := scanPGGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list groups iterate")
	}

	for i := range groups {
		if err := s.loadMembers(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *PostgresStore) GroupCountsByCategory(ctx context.Context) (map[model.Category]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT category, COUNT(*) FROM groups GROUP BY category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: group counts")
	}
	defer rows.Close()

	counts := make(map[model.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group count")
		}
		counts[model.Category(cat)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: group counts iterate")
}

func (s *PostgresStore) loadMembers(ctx context.Context, g *model.Group) error {
	rows, err := s.pool.Query(ctx,
		`SELECT article_id FROM group_members WHERE group_id = $1 ORDER BY position ASC`,
		g.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: load members for group %d", g.ID)
	}
	defer rows.Close()

	g.Members = nil
	for rows.Next() {
		var articleID string
		if err := rows.Scan(&articleID); err != nil {
			return eris.Wrap(err, "postgres: scan member")
		}
		g.Members = append(g.Members, articleID)
	}
	return eris.Wrap(rows.Err(), "postgres: members iterate")
}

// Run records

func (s *PostgresStore) RecordRun(ctx context.Context, run model.Run) error {
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, summary, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, summary = EXCLUDED.summary,
		   error = EXCLUDED.error, finished_at = EXCLUDED.finished_at`,
		run.ID, string(run.Status), summaryJSON, run.Error, run.StartedAt.UTC(), finished,
	)
	return eris.Wrapf(err, "postgres: record run %s", run.ID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, summary, COALESCE(error, ''), started_at, COALESCE(finished_at, 'epoch'::timestamptz)
		 FROM runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var summaryJSON []byte
		var finished time.Time
		if err := rows.Scan(&r.ID, &r.Status, &summaryJSON, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if err := json.Unmarshal(summaryJSON, &r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run summary")
		}
		if finished.Unix() > 0 {
			r.FinishedAt = finished
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, article_id, category, failed_stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.ArticleID, entry.Category, entry.FailedStage, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", entry.ArticleID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, article_id, category, failed_stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	if filter.FailedStage != "" {
		args = append(args, filter.FailedStage)
		query += fmt.Sprintf(` AND failed_stage = $%d`, len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` AND error_type = $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.ArticleID, &e.Category, &e.FailedStage, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) UpdateDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET error = $1, error_type = $2, retry_count = $3, next_retry_at = $4, last_failed_at = $5
		 WHERE id = $6`,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.NextRetryAt.UTC(), entry.LastFailedAt.UTC(), entry.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update dlq %s", entry.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", entry.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dead_letter_queue WHERE id = $1`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) DLQDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: dlq depth")
}

func scanPGGroup(row pgx.Row) (*model.Group, error) {
	var g model.Group
	var repJSON []byte

	err := row.Scan(&g.ID, &g.Category, &g.Label, &g.Description, &repJSON, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: group")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan group")
	}
	if err := json.Unmarshal(repJSON, &g.Representative); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal representative")
	}
	return &g, nil
}
