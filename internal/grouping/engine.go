package grouping

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/resilience"
	"github.com/pulsefeed/grouper/internal/store"
)

// Adjudicator resolves escalated decisions to a terminal assign or create.
type Adjudicator interface {
	Resolve(ctx context.Context, sig model.Signature, group model.Group, decision model.Decision) (model.AdjudicationResult, error)
}

// Labeler names new groups and refreshes labels as groups grow.
type Labeler interface {
	LabelNew(ctx context.Context, sig model.Signature, nearMisses []model.Group) *model.GroupLabel
	Refresh(ctx context.Context, group model.Group) *model.GroupLabel
}

// Engine drains the pending queue in one batch pass. Categories are
// processed concurrently; within a category articles are strictly serial in
// published_at order, so every article sees the groups its predecessors
// created.
type Engine struct {
	store       store.Store
	assigner    *Assigner
	adjudicator Adjudicator
	labeler     Labeler
	runCfg      config.RunConfig
	refreshAt   map[int]bool
	storeRetry  resilience.RetryConfig
}

func NewEngine(st store.Store, adj Adjudicator, lab Labeler, cfg *config.Config) *Engine {
	refreshAt := make(map[int]bool, len(cfg.Grouping.LabelRefreshSizes))
	for _, n := range cfg.Grouping.LabelRefreshSizes {
		refreshAt[n] = true
	}
	return &Engine{
		store:       st,
		assigner:    NewAssigner(cfg.Grouping),
		adjudicator: adj,
		labeler:     lab,
		runCfg:      cfg.Run,
		refreshAt:   refreshAt,
		storeRetry:  resilience.StoreCommitRetry(cfg.Run.StoreRetryAttempts),
	}
}

// Run executes one grouping pass and records it. The returned Run carries
// the summary even when the pass failed partway.
func (e *Engine) Run(ctx context.Context) (model.Run, error) {
	run := model.Run{
		ID:        uuid.NewString(),
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.RecordRun(ctx, run); err != nil {
		return run, err
	}

	summary, runErr := e.pass(ctx)
	run.Summary = summary
	run.FinishedAt = time.Now().UTC()
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = model.RunStatusComplete
	}

	if err := e.store.RecordRun(ctx, run); err != nil {
		zap.L().Error("run: record final state", zap.String("run_id", run.ID), zap.Error(err))
	}

	zap.L().Info("run: finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("processed", summary.Processed),
		zap.Int("assigned", summary.Assigned),
		zap.Int("created", summary.Created),
		zap.Int("escalated", summary.Escalated),
		zap.Int("fallbacks", summary.Fallbacks),
		zap.Int("unplaced", summary.Unplaced),
	)
	return run, runErr
}

func (e *Engine) pass(ctx context.Context) (model.RunSummary, error) {
	var summary model.RunSummary

	sigs, err := e.store.ListPending(ctx, e.runCfg.BatchLimit)
	if err != nil {
		return summary, err
	}
	if len(sigs) == 0 {
		return summary, nil
	}

	// Reject invalid signatures up front so the per-category workers only
	// see articles the assigner can score.
	byCategory := make(map[model.Category][]model.Signature)
	for _, sig := range sigs {
		if err := sig.Validate(); err != nil {
			zap.L().Warn("run: rejecting signature",
				zap.String("article_id", sig.ArticleID), zap.Error(err))
			if markErr := e.store.MarkRejected(ctx, sig.ArticleID, err.Error()); markErr != nil {
				zap.L().Error("run: mark rejected",
					zap.String("article_id", sig.ArticleID), zap.Error(markErr))
			}
			summary.Rejected++
			continue
		}
		byCategory[sig.Category] = append(byCategory[sig.Category], sig)
	}

	limit := e.runCfg.MaxParallelCategories
	if limit <= 0 {
		limit = 4
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for cat, catSigs := range byCategory {
		g.Go(func() error {
			catSummary, err := e.processCategory(gctx, cat, catSigs)
			mu.Lock()
			summary.Add(catSummary)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return summary, err
}

// processCategory places each article of one category in arrival order. The
// candidate set lives in memory for the whole batch and is updated after
// every placement, so the store is only read once per category.
func (e *Engine) processCategory(ctx context.Context, cat model.Category, sigs []model.Signature) (model.RunSummary, error) {
	var summary model.RunSummary

	candidates, err := e.store.ListGroups(ctx, store.GroupFilter{Category: cat, Limit: 10000})
	if err != nil {
		return summary, eris.Wrapf(err, "run: load groups for %s", cat)
	}

	for _, sig := range sigs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		placed, err := e.placeArticle(ctx, sig, &candidates, &summary)
		if err != nil {
			zap.L().Warn("run: article left pending",
				zap.String("article_id", sig.ArticleID),
				zap.String("category", string(cat)),
				zap.Error(err))
			summary.Unplaced++
			continue
		}
		if placed {
			summary.Processed++
		}
	}
	return summary, nil
}

// placeArticle decides and commits one article. Returns false when the
// article was rejected rather than placed; an error means the article stays
// in the pending queue for the next pass.
func (e *Engine) placeArticle(ctx context.Context, sig model.Signature, candidates *[]model.Group, summary *model.RunSummary) (bool, error) {
	decision, err := e.assigner.Decide(sig, *candidates)
	if err != nil {
		// A scoring contract violation fails this article only.
		if markErr := e.store.MarkRejected(ctx, sig.ArticleID, err.Error()); markErr != nil {
			return false, markErr
		}
		summary.Rejected++
		zap.L().Warn("run: rejecting unscorable article",
			zap.String("article_id", sig.ArticleID), zap.Error(err))
		return false, nil
	}

	var adjudicated *model.AdjudicationResult
	if decision.Outcome == model.OutcomeEscalate {
		summary.Escalated++
		cand := findGroup(*candidates, decision.GroupID)
		if cand == nil {
			return false, eris.Errorf("run: escalation candidate group %d missing", decision.GroupID)
		}
		res, resErr := e.adjudicator.Resolve(ctx, sig, *cand, decision)
		if resErr != nil {
			// The adjudicator already degraded to its fixed policy; the
			// failure is recorded for the operator.
			summary.Fallbacks++
			e.enqueueDLQ(ctx, sig, "adjudicate", resErr, summary)
		}
		adjudicated = &res
		decision.Outcome = res.Outcome
		if res.Outcome == model.OutcomeCreate {
			decision.GroupID = 0
		}
	}

	switch decision.Outcome {
	case model.OutcomeAssign:
		return true, e.commitAssign(ctx, sig, decision.GroupID, candidates, summary)
	case model.OutcomeCreate:
		return true, e.commitCreate(ctx, sig, decision, adjudicated, candidates, summary)
	default:
		return false, eris.Errorf("run: unexpected outcome %q for article %s", decision.Outcome, sig.ArticleID)
	}
}

func (e *Engine) commitAssign(ctx context.Context, sig model.Signature, groupID int64, candidates *[]model.Group, summary *model.RunSummary) error {
	group := findGroup(*candidates, groupID)
	if group == nil {
		return eris.Errorf("run: assign target group %d missing", groupID)
	}

	rep := group.Representative.Merge(sig)
	err := resilience.Do(ctx, e.storeRetry, func(ctx context.Context) error {
		return e.store.AppendMember(ctx, groupID, sig, rep)
	})
	if err != nil {
		return eris.Wrapf(err, "run: append article %s to group %d", sig.ArticleID, groupID)
	}

	group.Members = append(group.Members, sig.ArticleID)
	group.Representative = rep
	group.UpdatedAt = time.Now().UTC()
	summary.Assigned++

	zap.L().Info("run: assigned",
		zap.String("article_id", sig.ArticleID),
		zap.Int64("group_id", groupID),
		zap.Int("members", group.ArticleCount()))

	e.maybeRefreshLabel(ctx, group, summary)
	return nil
}

func (e *Engine) commitCreate(ctx context.Context, sig model.Signature, decision model.Decision, adjudicated *model.AdjudicationResult, candidates *[]model.Group, summary *model.RunSummary) error {
	var label *model.GroupLabel
	if adjudicated != nil && adjudicated.Label != nil {
		label = adjudicated.Label
	} else {
		// The groups the article almost joined give the labeler contrast:
		// the new label should distinguish this story from those.
		var nearMisses []model.Group
		if decision.Candidates > 0 && decision.Score > 0 {
			if near := findGroup(*candidates, decision.GroupID); near != nil {
				nearMisses = append(nearMisses, *near)
			}
		}
		label = e.labeler.LabelNew(ctx, sig, nearMisses)
	}

	var created *model.Group
	err := resilience.Do(ctx, e.storeRetry, func(ctx context.Context) error {
		g, err := e.store.CreateGroup(ctx, sig.Category, *label, sig)
		if err != nil {
			return err
		}
		created = g
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "run: create group for article %s", sig.ArticleID)
	}

	*candidates = append(*candidates, *created)
	summary.Created++

	zap.L().Info("run: created group",
		zap.String("article_id", sig.ArticleID),
		zap.Int64("group_id", created.ID),
		zap.String("label", created.Label))
	return nil
}

func (e *Engine) maybeRefreshLabel(ctx context.Context, group *model.Group, summary *model.RunSummary) {
	if !e.refreshAt[group.ArticleCount()] {
		return
	}
	label := e.labeler.Refresh(ctx, *group)
	if label == nil {
		return
	}
	if err := e.store.UpdateLabel(ctx, group.ID, *label); err != nil {
		zap.L().Warn("run: update refreshed label",
			zap.Int64("group_id", group.ID), zap.Error(err))
		return
	}
	group.Label = label.Label
	group.Description = label.Description
	summary.Relabeled++
}

func (e *Engine) enqueueDLQ(ctx context.Context, sig model.Signature, stage string, cause error, summary *model.RunSummary) {
	entry := resilience.NewDLQEntry(sig.ArticleID, string(sig.Category), stage, cause, 3)
	if err := e.store.EnqueueDLQ(ctx, *entry); err != nil {
		zap.L().Error("run: enqueue dlq entry",
			zap.String("article_id", sig.ArticleID), zap.Error(err))
		return
	}
	summary.DLQEnqueued++
}

// RetryDLQ reprocesses due dead-letter entries. A fallback-labeled group
// gets a fresh backend label; success clears the entry, another failure
// pushes the next attempt out.
func (e *Engine) RetryDLQ(ctx context.Context) (retried, cleared int, err error) {
	entries, err := e.store.ListDLQ(ctx, resilience.DLQFilter{})
	if err != nil {
		return 0, 0, err
	}
	now := time.Now().UTC()
	for i := range entries {
		entry := entries[i]
		if !entry.Due(now) || entry.Exhausted() {
			continue
		}
		retried++

		group, gerr := e.store.GetGroupByArticle(ctx, entry.ArticleID)
		if gerr != nil {
			if eris.Is(gerr, store.ErrNotFound) {
				// Placement never happened; the article is still pending and
				// the next run will pick it up. Nothing left to retry here.
				if derr := e.store.DeleteDLQ(ctx, entry.ID); derr != nil {
					zap.L().Error("dlq: clear orphaned entry", zap.String("id", entry.ID), zap.Error(derr))
				} else {
					cleared++
				}
				continue
			}
			return retried, cleared, gerr
		}

		label := e.labeler.Refresh(ctx, *group)
		if label == nil {
			entry.RecordFailure(eris.New("label refresh failed"))
			if uerr := e.store.UpdateDLQ(ctx, entry); uerr != nil {
				zap.L().Error("dlq: record retry failure", zap.String("id", entry.ID), zap.Error(uerr))
			}
			continue
		}
		if uerr := e.store.UpdateLabel(ctx, group.ID, *label); uerr != nil {
			return retried, cleared, uerr
		}
		if derr := e.store.DeleteDLQ(ctx, entry.ID); derr != nil {
			zap.L().Error("dlq: clear entry", zap.String("id", entry.ID), zap.Error(derr))
			continue
		}
		cleared++
	}
	return retried, cleared, nil
}

func findGroup(groups []model.Group, id int64) *model.Group {
	for i := range groups {
		if groups[i].ID == id {
			return &groups[i]
		}
	}
	return nil
}
