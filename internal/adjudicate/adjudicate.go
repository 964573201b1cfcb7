// Package adjudicate resolves ambiguous assignment decisions with an LLM
// backend. Escalation is never terminal: a backend failure degrades to a
// deterministic create so that no article is left unplaced.
package adjudicate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/labeler"
	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/prompt"
	"github.com/pulsefeed/grouper/internal/resilience"
	"github.com/pulsefeed/grouper/pkg/anthropic"
)

const systemPrompt = `You adjudicate whether a news article belongs to an existing story group. The automated similarity score fell in the ambiguous band, so neither answer is obvious.

Compare the article against the group's aggregate profile. Assign only when they cover the same underlying story or incident, not merely the same topic area. Two articles about different data breaches are different stories; two articles about the same breach from different outlets are one story.

Respond with a valid JSON object:
{"verdict": "assign" | "create", "label": "<short group label, only for create>", "description": "<one sentence, only for create>"}`

const userPromptTemplate = `Article:
  Title: %s
  Published: %s
  Source: %s
  Entities: %s
  Companies: %s
  CVEs: %s
  Events: %s
  Summary: %s

Candidate group (id %d, %d members):
  Label: %s
  Description: %s
  Top entities: %s
  Companies: %s
  CVEs: %s
  Events: %s
  Date range: %s to %s

Similarity %.3f against threshold %.3f.`

// Adjudicator calls the Anthropic backend for escalated decisions. All calls
// go through a shared rate limiter and circuit breaker so a degraded backend
// cannot stall a run.
type Adjudicator struct {
	client  anthropic.Client
	cfg     config.AnthropicConfig
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// New creates an Adjudicator with retry and circuit breaker defaults.
func New(client anthropic.Client, cfg config.AnthropicConfig) *Adjudicator {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 2.0
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 4
	}

	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = shouldRetry
	retry.OnRetry = resilience.RetryLogger("anthropic", "adjudicate")

	return &Adjudicator{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		retry:   retry,
	}
}

// Warm primes the prompt cache with the adjudication system prompt so the
// first escalation of a run does not pay the full prompt cost. Failure is
// harmless: the next real call creates the cache entry instead.
func (a *Adjudicator) Warm(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "adjudicate: rate limiter wait")
	}
	resp, err := anthropic.PrimerRequest(ctx, a.client, anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: 16,
		System:    anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: "Acknowledge the instructions."},
		},
	})
	if err != nil {
		return eris.Wrap(err, "adjudicate: warm cache")
	}
	resp.Usage.LogCost(a.cfg.Model, "warm")
	return nil
}

// Resolve asks the backend whether sig belongs in group. The outcome is
// always assign or create. When the backend fails (exhausted retries, open
// circuit, or an unparseable response) the result carries the fixed create
// fallback with Fallback set, and the error describes the failure so the
// caller can record it.
func (a *Adjudicator) Resolve(ctx context.Context, sig model.Signature, group model.Group, decision model.Decision) (model.AdjudicationResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return fallbackResult(sig), eris.Wrap(err, "adjudicate: rate limiter wait")
	}

	req := anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: buildUserPrompt(sig, group, decision)},
		},
	}

	resp, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		callCtx := ctx
		if a.cfg.TimeoutSecs > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutSecs)*time.Second)
			defer cancel()
		}
		return resilience.ExecuteVal(callCtx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return a.client.CreateMessage(ctx, req)
		})
	})
	if err != nil {
		zap.L().Warn("adjudicate: backend call failed, applying create fallback",
			zap.String("article_id", sig.ArticleID),
			zap.Int64("group_id", group.ID),
			zap.Error(err),
		)
		return fallbackResult(sig), eris.Wrap(err, "adjudicate: backend call")
	}

	resp.Usage.LogCost(a.cfg.Model, "adjudicate")

	outcome, label, err := parseVerdict(anthropic.ExtractText(resp))
	if err != nil {
		zap.L().Warn("adjudicate: unparseable verdict, applying create fallback",
			zap.String("article_id", sig.ArticleID),
			zap.Int64("group_id", group.ID),
			zap.Error(err),
		)
		return fallbackResult(sig), eris.Wrap(err, "adjudicate: parse verdict")
	}

	zap.L().Info("adjudicate: resolved",
		zap.String("article_id", sig.ArticleID),
		zap.Int64("group_id", group.ID),
		zap.String("verdict", string(outcome)),
	)
	return model.AdjudicationResult{Outcome: outcome, Label: label}, nil
}

// BreakerState exposes the circuit state for status reporting.
func (a *Adjudicator) BreakerState() resilience.CircuitState {
	return a.breaker.State()
}

// fallbackResult is the fixed policy when adjudication cannot complete:
// the article seeds its own group with a deterministic label.
func fallbackResult(sig model.Signature) model.AdjudicationResult {
	return model.AdjudicationResult{
		Outcome:  model.OutcomeCreate,
		Label:    labeler.Fallback(sig),
		Fallback: true,
	}
}

func buildUserPrompt(sig model.Signature, group model.Group, decision model.Decision) string {
	rep := group.Representative
	return fmt.Sprintf(userPromptTemplate,
		sig.Title,
		sig.PublishedAt.Format("2006-01-02"),
		sig.Source,
		formatEntities(sig.Entities, 8),
		prompt.FormatSet(sig.Companies),
		prompt.FormatSet(sig.CVEs),
		prompt.FormatSet(sig.Events),
		prompt.Truncate(sig.Summary, 600),
		group.ID,
		group.ArticleCount(),
		group.Label,
		prompt.Truncate(group.Description, 300),
		formatEntities(rep.Entities, 8),
		prompt.FormatSet(rep.Companies),
		prompt.FormatSet(rep.CVEs),
		prompt.FormatSet(rep.Events),
		rep.EarliestAt.Format("2006-01-02"),
		rep.LatestAt.Format("2006-01-02"),
		decision.Score,
		decision.Threshold,
	)
}

func formatEntities(entities []model.Entity, limit int) string {
	if len(entities) == 0 {
		return "(none)"
	}
	if len(entities) > limit {
		entities = entities[:limit]
	}
	parts := make([]string, len(entities))
	for i, e := range entities {
		parts[i] = fmt.Sprintf("%s (%.2f)", e.Name, e.Relevance)
	}
	return strings.Join(parts, ", ")
}

// parseVerdict extracts the verdict JSON from a model response. Anything
// other than a clean assign/create verdict is an error; the caller applies
// the create fallback rather than guessing.
func parseVerdict(text string) (model.Outcome, *model.GroupLabel, error) {
	text = anthropic.CleanJSON(text)

	var result struct {
		Verdict     string `json:"verdict"`
		Label       string `json:"label"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return "", nil, eris.Wrap(err, "adjudicate: unmarshal verdict")
	}

	var label *model.GroupLabel
	if result.Label != "" || result.Description != "" {
		label = &model.GroupLabel{Label: result.Label, Description: result.Description}
	}

	switch strings.ToLower(strings.TrimSpace(result.Verdict)) {
	case "assign":
		return model.OutcomeAssign, label, nil
	case "create":
		return model.OutcomeCreate, label, nil
	default:
		return "", nil, eris.Errorf("adjudicate: unknown verdict %q", result.Verdict)
	}
}

// shouldRetry treats API errors with retryable HTTP status codes as
// transient, on top of the default network heuristics.
func shouldRetry(err error) bool {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return resilience.IsTransientHTTPStatus(apierr.StatusCode)
	}
	return resilience.IsTransient(err)
}
