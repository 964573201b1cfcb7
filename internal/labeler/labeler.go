// Package labeler generates human-readable labels and descriptions for
// story groups. Labels are presentation only: they never feed back into
// similarity or assignment.
package labeler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/prompt"
	"github.com/pulsefeed/grouper/internal/resilience"
	"github.com/pulsefeed/grouper/pkg/anthropic"
)

const labelSystemPrompt = `You write short labels for groups of news articles covering one story.

The label names the specific story (incident, release, ruling), not the topic area. Prefer concrete names over generic phrasing: "CVE-2026-12345 exploited in Acme Cloud" beats "Cloud security incident". Avoid labels that would equally fit the similar groups listed, if any.

Respond with a valid JSON object: {"label": "<at most 10 words>", "description": "<one or two sentences>"}`

const newGroupPromptTemplate = `A new story group was created from this article:
  Title: %s
  Published: %s
  Category: %s
  Entities: %s
  Companies: %s
  CVEs: %s
  Summary: %s
%s`

const refreshPromptTemplate = `This story group has grown to %d articles; write a label covering the whole story, not just the first article.
  Category: %s
  Current label: %s
  Current description: %s
  Top entities: %s
  Companies: %s
  CVEs: %s
  Events: %s
  Date range: %s to %s`

// Labeler generates group labels through the Anthropic backend, with a
// deterministic fallback when the backend is unavailable.
type Labeler struct {
	client  anthropic.Client
	cfg     config.AnthropicConfig
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// New creates a Labeler.
func New(client anthropic.Client, cfg config.AnthropicConfig) *Labeler {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 2.0
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 4
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "label")
	return &Labeler{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   retry,
	}
}

// LabelNew generates the initial label for a group seeded by sig. nearMisses
// are the groups the article almost joined; naming them pushes the label
// toward what distinguishes this story. A backend failure degrades to the
// deterministic fallback, never to an unlabeled group.
func (l *Labeler) LabelNew(ctx context.Context, sig model.Signature, nearMisses []model.Group) *model.GroupLabel {
	userPrompt := fmt.Sprintf(newGroupPromptTemplate,
		sig.Title,
		sig.PublishedAt.Format("2006-01-02"),
		sig.Category,
		formatEntities(sig.Entities, 8),
		prompt.FormatSet(sig.Companies),
		prompt.FormatSet(sig.CVEs),
		prompt.Truncate(sig.Summary, 600),
		formatNearMisses(nearMisses),
	)

	label, err := l.generate(ctx, userPrompt)
	if err != nil {
		zap.L().Warn("labeler: falling back to deterministic label",
			zap.String("article_id", sig.ArticleID),
			zap.Error(err),
		)
		return Fallback(sig)
	}
	return label
}

// Refresh regenerates the label for a grown group from its aggregate
// profile. Returns nil when the backend fails: the existing label stays.
func (l *Labeler) Refresh(ctx context.Context, group model.Group) *model.GroupLabel {
	rep := group.Representative
	userPrompt := fmt.Sprintf(refreshPromptTemplate,
		group.ArticleCount(),
		group.Category,
		group.Label,
		prompt.Truncate(group.Description, 300),
		formatEntities(rep.Entities, 8),
		prompt.FormatSet(rep.Companies),
		prompt.FormatSet(rep.CVEs),
		prompt.FormatSet(rep.Events),
		rep.EarliestAt.Format("2006-01-02"),
		rep.LatestAt.Format("2006-01-02"),
	)

	label, err := l.generate(ctx, userPrompt)
	if err != nil {
		zap.L().Warn("labeler: refresh failed, keeping existing label",
			zap.Int64("group_id", group.ID),
			zap.Error(err),
		)
		return nil
	}
	return label
}

func (l *Labeler) generate(ctx context.Context, userPrompt string) (*model.GroupLabel, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "labeler: rate limiter wait")
	}

	req := anthropic.MessageRequest{
		Model:     l.cfg.Model,
		MaxTokens: l.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(labelSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: userPrompt},
		},
	}

	resp, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		callCtx := ctx
		if l.cfg.TimeoutSecs > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(l.cfg.TimeoutSecs)*time.Second)
			defer cancel()
		}
		return l.client.CreateMessage(callCtx, req)
	})
	if err != nil {
		return nil, eris.Wrap(err, "labeler: create message")
	}

	resp.Usage.LogCost(l.cfg.Model, "label")

	return parseLabel(anthropic.ExtractText(resp))
}

// Fallback derives a label from the signature alone: the top entity plus
// the category, no backend required.
func Fallback(sig model.Signature) *model.GroupLabel {
	name := ""
	if top := sig.TopEntity(); top != nil {
		name = top.Name
	} else if len(sig.Companies) > 0 {
		name = sig.Companies[0]
	}
	label := string(sig.Category)
	if name != "" {
		label = fmt.Sprintf("%s: %s", sig.Category, name)
	}
	desc := sig.Title
	if desc == "" {
		desc = "Story seeded from article " + sig.ArticleID
	}
	return &model.GroupLabel{Label: label, Description: desc}
}

func parseLabel(text string) (*model.GroupLabel, error) {
	text = anthropic.CleanJSON(text)

	var result model.GroupLabel
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, eris.Wrap(err, "labeler: unmarshal label")
	}
	if result.Label == "" {
		return nil, eris.New("labeler: empty label in response")
	}
	return &result, nil
}

func formatNearMisses(groups []model.Group) string {
	if len(groups) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nSimilar existing groups the article did NOT join:\n")
	for _, g := range groups {
		fmt.Fprintf(&sb, "  - %s\n", g.Label)
	}
	return sb.String()
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
		parts[i] = e.Name
	}
	return strings.Join(parts, ", ")
}
