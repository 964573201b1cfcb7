package adjudicate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/resilience"
	"github.com/pulsefeed/grouper/pkg/anthropic"
)

// mockClient returns canned responses for CreateMessage.
type mockClient struct {
	responses []*anthropic.MessageResponse
	errs      []error
	calls     int
}

func (m *mockClient) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	i := m.calls
	m.calls++
	var resp *anthropic.MessageResponse
	var err error
	if i < len(m.responses) {
		resp = m.responses[i]
	}
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return resp, err
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_test",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
	}
}

func testConfig() config.AnthropicConfig {
	return config.AnthropicConfig{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
		RPS:       1000, // don't throttle tests
		Burst:     1000,
	}
}

func testSignature() model.Signature {
	return model.Signature{
		ArticleID:   "art-1",
		Title:       "Major breach at Acme Cloud",
		PublishedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Source:      "example.com",
		Category:    model.CategoryCybersec,
		Entities: []model.Entity{
			{Name: "Acme Cloud", Kind: model.EntityOrganization, Relevance: 0.9},
			{Name: "Jane Smith", Kind: model.EntityPerson, Relevance: 0.4},
		},
		Companies: []string{"Acme Cloud"},
		CVEs:      []string{"CVE-2026-12345"},
	}
}

func testGroup() model.Group {
	sig := testSignature()
	sig.ArticleID = "art-0"
	return model.Group{
		ID:             7,
		Category:       model.CategoryCybersec,
		Label:          "Acme Cloud breach",
		Description:    "Coverage of the Acme Cloud data breach.",
		Representative: model.NewRepresentative(sig),
		Members:        []string{"art-0"},
	}
}

func testDecision() model.Decision {
	return model.Decision{
		Outcome:    model.OutcomeEscalate,
		GroupID:    7,
		Score:      0.42,
		Threshold:  0.45,
		Candidates: 3,
	}
}

func TestWarm_SendsPrimer(t *testing.T) {
	mc := &mockClient{responses: []*anthropic.MessageResponse{
		textResponse("Acknowledged."),
	}}
	adj := New(mc, testConfig())

	require.NoError(t, adj.Warm(context.Background()))
	assert.Equal(t, 1, mc.calls)
}

func TestWarm_BackendError(t *testing.T) {
	mc := &mockClient{errs: []error{errors.New("invalid api key")}}
	adj := New(mc, testConfig())

	err := adj.Warm(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warm cache")
}

func TestResolve_AssignVerdict(t *testing.T) {
	mc := &mockClient{responses: []*anthropic.MessageResponse{
		textResponse(`{"verdict": "assign"}`),
	}}
	adj := New(mc, testConfig())

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAssign, result.Outcome)
	assert.False(t, result.Fallback)
	assert.Nil(t, result.Label)
	assert.Equal(t, 1, mc.calls)
}

func TestResolve_CreateVerdictWithLabel(t *testing.T) {
	mc := &mockClient{responses: []*anthropic.MessageResponse{
		textResponse(`{"verdict": "create", "label": "New Acme incident", "description": "A distinct follow-on incident."}`),
	}}
	adj := New(mc, testConfig())

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCreate, result.Outcome)
	assert.False(t, result.Fallback)
	require.NotNil(t, result.Label)
	assert.Equal(t, "New Acme incident", result.Label.Label)
	assert.Equal(t, "A distinct follow-on incident.", result.Label.Description)
}

func TestResolve_FencedVerdict(t *testing.T) {
	mc := &mockClient{responses: []*anthropic.MessageResponse{
		textResponse("```json\n{\"verdict\": \"assign\"}\n```"),
	}}
	adj := New(mc, testConfig())

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAssign, result.Outcome)
}

func TestResolve_UnparseableVerdict_FallsBackToCreate(t *testing.T) {
	mc := &mockClient{responses: []*anthropic.MessageResponse{
		textResponse("I think these are probably the same story."),
	}}
	adj := New(mc, testConfig())

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.Error(t, err)
	assert.Equal(t, model.OutcomeCreate, result.Outcome)
	assert.True(t, result.Fallback)
	require.NotNil(t, result.Label)
	assert.Contains(t, result.Label.Label, "Acme Cloud")
}

func TestResolve_UnknownVerdict_FallsBackToCreate(t *testing.T) {
	mc := &mockClient{responses: []*anthropic.MessageResponse{
		textResponse(`{"verdict": "maybe"}`),
	}}
	adj := New(mc, testConfig())

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.Error(t, err)
	assert.Equal(t, model.OutcomeCreate, result.Outcome)
	assert.True(t, result.Fallback)
}

func TestResolve_PermanentError_NoRetry(t *testing.T) {
	mc := &mockClient{errs: []error{
		errors.New("invalid request"),
		errors.New("invalid request"),
	}}
	adj := New(mc, testConfig())

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.Error(t, err)
	assert.Equal(t, model.OutcomeCreate, result.Outcome)
	assert.True(t, result.Fallback)
	assert.Equal(t, 1, mc.calls, "permanent errors should not be retried")
}

func TestResolve_TransientErrorThenSuccess(t *testing.T) {
	mc := &mockClient{
		responses: []*anthropic.MessageResponse{
			nil,
			textResponse(`{"verdict": "assign"}`),
		},
		errs: []error{
			resilience.NewTransientError(errors.New("overloaded"), 529),
			nil,
		},
	}
	cfg := testConfig()
	adj := New(mc, cfg)
	adj.retry.InitialBackoff = time.Millisecond

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAssign, result.Outcome)
	assert.Equal(t, 2, mc.calls)
}

func TestResolve_ExhaustedRetries_FallsBackToCreate(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("overloaded"), 529)
	mc := &mockClient{errs: []error{transient, transient, transient, transient}}
	adj := New(mc, testConfig())
	adj.retry.MaxAttempts = 2
	adj.retry.InitialBackoff = time.Millisecond

	result, err := adj.Resolve(context.Background(), testSignature(), testGroup(), testDecision())
	require.Error(t, err)
	assert.Equal(t, model.OutcomeCreate, result.Outcome)
	assert.True(t, result.Fallback)
	assert.Equal(t, 2, mc.calls)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    model.Outcome
		wantErr bool
	}{
		{"assign", `{"verdict": "assign"}`, model.OutcomeAssign, false},
		{"create", `{"verdict": "create"}`, model.OutcomeCreate, false},
		{"uppercase", `{"verdict": "ASSIGN"}`, model.OutcomeAssign, false},
		{"surrounding prose", `The answer: {"verdict": "create"} as requested.`, model.OutcomeCreate, false},
		{"unknown verdict", `{"verdict": "escalate"}`, "", true},
		{"empty verdict", `{"verdict": ""}`, "", true},
		{"not json", `assign`, "", true},
		{"empty", ``, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, _, err := parseVerdict(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
		})
	}
}

func TestBuildUserPrompt_ContainsContext(t *testing.T) {
	prompt := buildUserPrompt(testSignature(), testGroup(), testDecision())
	assert.Contains(t, prompt, "Major breach at Acme Cloud")
	assert.Contains(t, prompt, "CVE-2026-12345")
	assert.Contains(t, prompt, "id 7")
	assert.Contains(t, prompt, "0.420")
	assert.Contains(t, prompt, "0.450")
}
