package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/newsloom/internal/ai"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/reader"
	payloadschema "horse.fit/newsloom/schema"
)

const (
	summaryInputRunes = 6000
	summaryMaxTokens  = 220
)

const summaryPrompt = `You summarize news stories for a feed reader.
Write two or three plain sentences covering what happened, who is involved and why it matters.
No preamble, no markdown, no speculation beyond the text.`

const relevancePrompt = `You score how relevant a news story is to a reader.
Reply with one JSON object: {"score": <0..1>, "label": "high"|"medium"|"low", "reason": "<one sentence>"}.`

const topicsPrompt = `You classify news stories into short lowercase topics such as "ai", "security" or "climate".
Reply with one JSON object: {"topics": ["<topic>", ...]} listing at most 3 topics, most specific first.`

// EnrichClusters runs the AI stages over cluster representatives. The whole
// pass is skipped when no provider is configured; once the account's daily
// budget runs out the remaining calls are skipped.
func (e *Enricher) EnrichClusters(ctx context.Context, account Account, reps []db.ClusterRepresentative) Report {
	var report Report
	if len(reps) == 0 {
		return report
	}
	if e.ai == nil || !e.ai.Enabled() {
		report.skip("ai_disabled")
		return report
	}
	if !e.opts.SummariesEnabled && !e.opts.RelevanceEnabled && !e.opts.TopicsEnabled {
		report.skip("ai_stages_disabled")
		return report
	}

	var interests []string
	if e.opts.RelevanceEnabled || e.opts.TopicsEnabled {
		topics, err := e.store.ListTopics(ctx, account.ID)
		if err != nil {
			e.logger.Warn().Err(err).Int64("account_id", account.ID).Msg("load topics failed")
		}
		interests = approvedTopics(topics)
	}

	var (
		mu        sync.Mutex
		exhausted atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, rep := range reps {
		g.Go(func() error {
			out := e.enrichCluster(gctx, account, rep, interests, &exhausted)
			mu.Lock()
			report.Summaries += out.Summaries
			report.Relevance += out.Relevance
			report.Topics += out.Topics
			report.Failures += out.Failures
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if exhausted.Load() {
		report.skip(ai.TagBudgetExhausted)
	}
	return report
}

func (e *Enricher) enrichCluster(ctx context.Context, account Account, rep db.ClusterRepresentative, interests []string, exhausted *atomic.Bool) Report {
	var out Report
	item := rep.Rep
	log := e.logger.With().Int64("cluster_id", rep.ClusterID).Int64("item_id", item.ItemID).Logger()
	body := storyText(item)

	call := func(purpose, system, user string, maxTokens int) (ai.Completion, bool) {
		if exhausted.Load() {
			return ai.Completion{}, false
		}
		completion := e.ai.Complete(ctx, account.ID, account.AICallCap, ai.Request{
			Purpose: purpose,
			Messages: []ai.Message{
				{Role: ai.RoleSystem, Content: system},
				{Role: ai.RoleUser, Content: user},
			},
			MaxTokens:   maxTokens,
			Temperature: ai.Float(0.2),
		})
		if completion.ErrorTag == ai.TagBudgetExhausted {
			exhausted.Store(true)
			return completion, false
		}
		if completion.Failed() {
			out.Failures++
			log.Warn().Str("stage", purpose).Str("reason", completion.ErrorTag).Msg("ai call failed")
			return completion, false
		}
		return completion, true
	}

	if e.opts.SummariesEnabled {
		if completion, ok := call("summary", summaryPrompt, body, summaryMaxTokens); ok {
			summary := strings.Join(strings.Fields(completion.Text), " ")
			if err := e.store.SetItemAISummary(ctx, item.ItemID, summary); err != nil {
				out.Failures++
				log.Warn().Err(err).Str("stage", "summary").Msg("store summary failed")
			} else {
				out.Summaries++
			}
		}
	}

	if e.opts.RelevanceEnabled {
		if completion, ok := call("relevance", relevancePrompt, relevanceInput(body, interests), 160); ok {
			if err := e.storeRelevance(ctx, item.ItemID, completion.Text); err != nil {
				out.Failures++
				log.Warn().Err(err).Str("stage", "relevance").Msg("relevance output rejected")
			} else {
				out.Relevance++
			}
		}
	}

	if e.opts.TopicsEnabled {
		if completion, ok := call("topics", topicsPrompt, body, 120); ok {
			if err := e.storeTopics(ctx, account.ID, rep.ClusterID, completion.Text, log); err != nil {
				out.Failures++
				log.Warn().Err(err).Str("stage", "topics").Msg("topics output rejected")
			} else {
				out.Topics++
			}
		}
	}
	return out
}

func (e *Enricher) storeRelevance(ctx context.Context, itemID int64, text string) error {
	decoded, err := payloadschema.DecodeRelevance(text)
	if err != nil {
		return err
	}
	return e.store.SetItemRelevance(ctx, itemID, decoded.Score, decoded.Label)
}

func (e *Enricher) storeTopics(ctx context.Context, accountID, clusterID int64, text string, log zerolog.Logger) error {
	decoded, err := payloadschema.DecodeTopics(text)
	if err != nil {
		return err
	}
	if len(decoded.Topics) == 0 {
		return nil
	}
	if err := e.store.SetClusterTopic(ctx, clusterID, decoded.Topics[0]); err != nil {
		return err
	}
	if err := e.store.AddSuggestedTopics(ctx, accountID, decoded.Topics); err != nil {
		log.Warn().Err(err).Msg("record suggested topics failed")
	}
	return nil
}

// storyText is the model input for one story: title plus the best body text
// available, clipped.
func storyText(item db.ItemRecord) string {
	body := ""
	if item.FullText != nil {
		body = *item.FullText
	}
	if strings.TrimSpace(body) == "" {
		body = reader.PlainText(item.Summary)
	}
	return fmt.Sprintf("Title: %s\n\n%s", strings.TrimSpace(item.Title), reader.Truncate(body, summaryInputRunes))
}

func relevanceInput(story string, interests []string) string {
	if len(interests) == 0 {
		return "Reader interests: general news\n\n" + story
	}
	return "Reader interests: " + strings.Join(interests, ", ") + "\n\n" + story
}

func approvedTopics(rows []db.TopicRow) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Approved {
			out = append(out, row.Name)
		}
	}
	return out
}
