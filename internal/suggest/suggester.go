// Package suggest resurfaces a creator's past replies for similar new
// clusters.
package suggest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/models"
	"github.com/avoleva/replyhub/internal/storage"
)

type Config struct {
	// SimilarityThreshold is the minimum (exclusive) cosine similarity
	// between a template's question embedding and a cluster's earliest
	// member.
	SimilarityThreshold float64
	// Limit caps the number of returned suggestions.
	Limit int
}

type Suggester struct {
	store  storage.Storage
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store storage.Storage, cfg Config, logger *zap.Logger) *Suggester {
	if cfg.Limit <= 0 {
		cfg.Limit = 3
	}
	return &Suggester{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// RecordUsage upserts a template inside the caller's transaction: an
// identical (creator, response text, question embedding) triple increments
// usage_count and refreshes last_used_at, anything else inserts fresh.
func (s *Suggester) RecordUsage(ctx context.Context, tx storage.Storage, creatorID, responseText string, questionEmbedding []float32) error {
	t, err := tx.UpsertTemplate(ctx, creatorID, responseText, questionEmbedding, s.now())
	if err != nil {
		return err
	}
	s.logger.Debug("Response template recorded",
		zap.String("creator_id", creatorID),
		zap.String("template_id", t.ID),
		zap.Int("usage_count", t.UsageCount))
	return nil
}

// Suggest returns up to the configured number of templates similar to the
// cluster's earliest member, ranked by similarity, then usage count, then
// recency. Clusters whose earliest member lacks an embedding get no
// suggestions.
func (s *Suggester) Suggest(ctx context.Context, clusterID, creatorID string) ([]models.Suggestion, error) {
	members, err := s.store.ListMembers(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 || members[0].Embedding == nil {
		return nil, nil
	}

	matches, err := s.store.NearestTemplates(ctx, creatorID, members[0].Embedding, s.cfg.SimilarityThreshold, s.cfg.Limit)
	if err != nil {
		return nil, err
	}

	suggestions := make([]models.Suggestion, 0, len(matches))
	for _, m := range matches {
		suggestions = append(suggestions, models.Suggestion{
			TemplateID:   m.Template.ID,
			ResponseText: m.Template.ResponseText,
			Similarity:   m.Similarity,
			UsageCount:   m.Template.UsageCount,
			LastUsedAt:   m.Template.LastUsedAt,
		})
	}
	return suggestions, nil
}
