// Package store persists signatures, groups, runs, and the dead letter
// queue. Two backends exist: SQLite for single-node deployments and
// Postgres for shared ones.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/resilience"
)

// GroupFilter narrows ListGroups.
type GroupFilter struct {
	Category     model.Category `json:"category,omitempty"`
	UpdatedSince time.Time      `json:"updated_since,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
}

// Store defines the persistence interface for the grouping engine.
//
// AppendMember and CreateGroup are the only membership writes and both are
// transactional: the member row, the representative swap, and the pending
// queue update commit together or not at all.
type Store interface {
	// Pending signature queue
	EnqueueSignatures(ctx context.Context, sigs []model.Signature) (int, error)
	ListPending(ctx context.Context, limit int) ([]model.Signature, error)
	CountPending(ctx context.Context) (int, error)
	MarkRejected(ctx context.Context, articleID, reason string) error

	// Groups
	CreateGroup(ctx context.Context, category model.Category, label model.GroupLabel, sig model.Signature) (*model.Group, error)
	AppendMember(ctx context.Context, groupID int64, sig model.Signature, rep model.Representative) error
	UpdateLabel(ctx context.Context, groupID int64, label model.GroupLabel) error
	GetGroup(ctx context.Context, groupID int64) (*model.Group, error)
	GetGroupByArticle(ctx context.Context, articleID string) (*model.Group, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]model.Group, error)
	GroupCountsByCategory(ctx context.Context) (map[model.Category]int, error)

	// Run records
	RecordRun(ctx context.Context, run model.Run) error
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	UpdateDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DeleteDLQ(ctx context.Context, id string) error
	DLQDepth(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned for lookups that match nothing.
var ErrNotFound = eris.New("store: not found")
