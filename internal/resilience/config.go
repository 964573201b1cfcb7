package resilience

import "time"

// StoreCommitRetry is the retry policy for group commit writes. Commits are
// small single-row transactions, so the backoff stays short; maxAttempts <= 0
// keeps the default of 3.
func StoreCommitRetry(maxAttempts int) RetryConfig {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		OnRetry:        RetryLogger("store", "commit"),
	}
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	return cfg
}
