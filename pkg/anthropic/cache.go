package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
)

// cacheTTL is the prompt cache lifetime requested on system blocks. A run
// rarely exceeds an hour, so the whole pass reads from one cache entry.
const cacheTTL = "1h"

// BuildCachedSystemBlocks wraps a system prompt in a single content block
// with a cache breakpoint. The adjudication and labeling prompts are stable
// within a run, so one request warms the cache and every subsequent call
// reads from it.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	block := SystemBlock{
		Text:         text,
		CacheControl: &CacheControl{TTL: cacheTTL},
	}
	return []SystemBlock{block}
}

// PrimerRequest sends one throwaway message to create the cache entry for
// req's system blocks before the real traffic starts. The caller usually
// discards the response after logging its usage.
func PrimerRequest(ctx context.Context, client Client, req MessageRequest) (*MessageResponse, error) {
	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: primer request")
	}
	return resp, nil
}
