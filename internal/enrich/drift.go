package enrich

import (
	"context"
	"fmt"
	"sort"

	"horse.fit/newsloom/internal/ai"
	"horse.fit/newsloom/internal/globaltime"
	payloadschema "horse.fit/newsloom/schema"
)

const (
	DriftSampleSize = 30
	DriftThreshold  = 0.35
)

// DriftResult is one topic drift check.
type DriftResult struct {
	Sampled   int
	Suggested []string
	Unknown   []string
	Ratio     float64
	Drift     bool
	Skipped   string
}

// DetectDrift reclassifies the account's most recent items and flags drift
// when more than DriftThreshold of the distinct suggested topics fall
// outside the approved set.
func (e *Enricher) DetectDrift(ctx context.Context, account Account) (DriftResult, error) {
	if e.ai == nil || !e.ai.Enabled() {
		return DriftResult{Skipped: "ai_disabled"}, nil
	}
	if !e.opts.TopicsEnabled {
		return DriftResult{Skipped: "topics_disabled"}, nil
	}

	topics, err := e.store.ListTopics(ctx, account.ID)
	if err != nil {
		return DriftResult{}, fmt.Errorf("load topics: %w", err)
	}
	approved := make(map[string]struct{}, len(topics))
	for _, name := range approvedTopics(topics) {
		approved[name] = struct{}{}
	}

	items, err := e.store.ListRecentItems(ctx, account.ID, DriftSampleSize)
	if err != nil {
		return DriftResult{}, fmt.Errorf("load recent items: %w", err)
	}

	var result DriftResult
	suggested := make(map[string]struct{}, len(items)*2)
	for _, item := range items {
		completion := e.ai.Complete(ctx, account.ID, account.AICallCap, ai.Request{
			Purpose: "topic_drift",
			Messages: []ai.Message{
				{Role: ai.RoleSystem, Content: topicsPrompt},
				{Role: ai.RoleUser, Content: storyText(item)},
			},
			MaxTokens:   120,
			Temperature: ai.Float(0),
		})
		if completion.ErrorTag == ai.TagBudgetExhausted {
			result.Skipped = ai.TagBudgetExhausted
			break
		}
		if completion.Failed() {
			continue
		}
		decoded, err := payloadschema.DecodeTopics(completion.Text)
		if err != nil {
			e.logger.Debug().Err(err).Int64("item_id", item.ItemID).Msg("drift topics output rejected")
			continue
		}
		result.Sampled++
		for _, topic := range decoded.Topics {
			suggested[topic] = struct{}{}
		}
	}

	for topic := range suggested {
		result.Suggested = append(result.Suggested, topic)
		if _, ok := approved[topic]; !ok {
			result.Unknown = append(result.Unknown, topic)
		}
	}
	sort.Strings(result.Suggested)
	sort.Strings(result.Unknown)

	if result.Sampled == 0 || len(result.Suggested) == 0 {
		if result.Skipped == "" {
			result.Skipped = "no_topics"
		}
		return result, nil
	}

	result.Ratio = float64(len(result.Unknown)) / float64(len(result.Suggested))
	result.Drift = result.Ratio > DriftThreshold

	if err := e.store.AddSuggestedTopics(ctx, account.ID, result.Unknown); err != nil {
		e.logger.Warn().Err(err).Int64("account_id", account.ID).Msg("record drift topics failed")
	}
	if err := e.store.SetTopicDrift(ctx, account.ID, result.Drift, result.Ratio, globaltime.UTC()); err != nil {
		return result, fmt.Errorf("store topic drift: %w", err)
	}
	e.logger.Info().
		Int64("account_id", account.ID).
		Int("sampled", result.Sampled).
		Float64("ratio", result.Ratio).
		Bool("drift", result.Drift).
		Msg("topic drift checked")
	return result, nil
}
