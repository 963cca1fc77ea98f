package telemetry

import (
	"sort"
	"sync"
)

// TokenTotals aggregates model token consumption for one consumer (a
// model name or an agent). Backing data for the token metrics endpoint.
type TokenTotals struct {
	Consumer         string `json:"consumer"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

var (
	tokensMu    sync.Mutex
	tokenTotals = map[string]*TokenTotals{}
)

// RecordTokens accumulates one model call's usage under a consumer key.
func RecordTokens(consumer string, prompt, completion int) {
	tokensMu.Lock()
	defer tokensMu.Unlock()
	t, ok := tokenTotals[consumer]
	if !ok {
		t = &TokenTotals{Consumer: consumer}
		tokenTotals[consumer] = t
	}
	t.Calls++
	t.PromptTokens += int64(prompt)
	t.CompletionTokens += int64(completion)
	t.TotalTokens += int64(prompt + completion)
	Counter("ai.tokens", "consumer", consumer)
}

// TokenUsageSnapshot returns the per-consumer aggregates, sorted by
// consumer for stable output.
func TokenUsageSnapshot() []TokenTotals {
	tokensMu.Lock()
	defer tokensMu.Unlock()
	out := make([]TokenTotals, 0, len(tokenTotals))
	for _, t := range tokenTotals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Consumer < out[j].Consumer })
	return out
}
