// Package enrich optionally extends a prompt with context from earlier runs.
// Enrichment is strictly best-effort: any failure degrades to the raw prompt.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"taskrelay/history"
)

// Enricher returns a possibly-longer prompt and whether enrichment occurred.
type Enricher interface {
	Enrich(ctx context.Context, taskType, prompt string) (string, bool)
}

// NoopEnricher passes the prompt through unchanged.
type NoopEnricher struct{}

func (NoopEnricher) Enrich(_ context.Context, _ string, prompt string) (string, bool) {
	return prompt, false
}

const maxContextChars = 400

// HistoryEnricher prepends summaries of recent completed runs of the same
// task type.
type HistoryEnricher struct {
	store *history.Store
	limit int
}

func NewHistoryEnricher(store *history.Store, limit int) *HistoryEnricher {
	if limit <= 0 {
		limit = 3
	}
	return &HistoryEnricher{store: store, limit: limit}
}

func (h *HistoryEnricher) Enrich(ctx context.Context, taskType, prompt string) (string, bool) {
	runs, err := h.store.Recent(ctx, taskType, h.limit)
	if err != nil {
		log.WithError(err).Warn("history lookup failed, using raw prompt")
		return prompt, false
	}
	if len(runs) == 0 {
		return prompt, false
	}

	var b strings.Builder
	b.WriteString("Context from earlier tasks of the same type:\n")
	for _, run := range runs {
		fmt.Fprintf(&b, "- [%s] %s -> %s\n", run.TaskID, truncate(run.Prompt), truncate(run.Response))
	}
	b.WriteString("\n")
	b.WriteString(prompt)

	return b.String(), true
}

func truncate(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if utf8.RuneCountInString(s) <= maxContextChars {
		return s
	}
	// cut on a rune boundary, a byte index could split a multi-byte rune
	return string([]rune(s)[:maxContextChars]) + "..."
}
