package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSignature() Signature {
	return Signature{
		ArticleID:   "art-1",
		Title:       "Acme Cloud discloses breach",
		PublishedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Source:      "example.com",
		Category:    CategoryCybersec,
		Entities: []Entity{
			{Name: "Acme Cloud", Kind: EntityOrganization, Relevance: 0.9},
		},
		CVEs: []string{"CVE-2026-12345"},
	}
}

func TestSignatureValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Signature)
		wantErr string
	}{
		{"valid", func(s *Signature) {}, ""},
		{"missing article id", func(s *Signature) { s.ArticleID = "" }, "missing article id"},
		{"zero published_at", func(s *Signature) { s.PublishedAt = time.Time{} }, "no published_at"},
		{"unknown category", func(s *Signature) { s.Category = "Sports" }, "unknown category"},
		{"unnamed entity", func(s *Signature) { s.Entities = append(s.Entities, Entity{Relevance: 0.5}) }, "unnamed entity"},
		{"relevance below range", func(s *Signature) { s.Entities[0].Relevance = -0.1 }, "out of [0,1]"},
		{"relevance above range", func(s *Signature) { s.Entities[0].Relevance = 1.5 }, "out of [0,1]"},
		{"malformed cve", func(s *Signature) { s.CVEs = []string{"CVE-123"} }, "malformed CVE"},
		{"five digit cve", func(s *Signature) { s.CVEs = []string{"CVE-2026-123456"} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := validSignature()
			tt.mutate(&sig)
			err := sig.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSignatureTopEntity(t *testing.T) {
	sig := validSignature()
	sig.Entities = []Entity{
		{Name: "Acme Cloud", Relevance: 0.9},
		{Name: "Globex", Relevance: 0.95},
		{Name: "Initech", Relevance: 0.3},
	}

	top := sig.TopEntity()
	require.NotNil(t, top)
	assert.Equal(t, "Globex", top.Name)
}

func TestSignatureTopEntityEmpty(t *testing.T) {
	sig := Signature{}
	assert.Nil(t, sig.TopEntity())
}

func TestFoldName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Cloud", "acme cloud"},
		{"  Acme Cloud  ", "acme cloud"},
		{"ACME CLOUD", "acme cloud"},
		{"Ａｃｍｅ", "acme"}, // fullwidth forms normalize under NFKC
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FoldName(tt.in), tt.in)
	}
}
