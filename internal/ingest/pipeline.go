// Package ingest orchestrates the ingestion of inbound messages: response
// filtering, embedding acquisition, matching, persistence and cluster
// assignment.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/embedding"
	"github.com/avoleva/replyhub/internal/matcher"
	"github.com/avoleva/replyhub/internal/models"
	"github.com/avoleva/replyhub/internal/storage"
)

// Input is one inbound message at the system boundary.
type Input struct {
	CreatorID         string
	ExternalMessageID string
	Text              string
	ChannelID         string
	ChannelCID        string
	VisitorUserID     string
	VisitorUsername   string
	IsPaidDM          bool
	CreatedAt         time.Time
	Metadata          models.SourceMetadata
}

type Pipeline struct {
	store    storage.Storage
	embedder embedding.Provider
	matcher  *matcher.Matcher
	logger   *zap.Logger
	now      func() time.Time
}

func NewPipeline(store storage.Storage, embedder embedding.Provider, m *matcher.Matcher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		embedder: embedder,
		matcher:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest runs the full matching cascade for one inbound message. Everything
// after the response-need filter happens inside one transaction; any failure
// rolls the whole ingestion back.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (*models.IngestResult, error) {
	if in.CreatorID == "" {
		return nil, models.ValidationErrorf("creator id is required")
	}
	if in.ExternalMessageID == "" {
		return nil, models.ValidationErrorf("external message id is required")
	}
	if in.ChannelID == "" {
		return nil, models.ValidationErrorf("channel id is required")
	}
	if in.Text == "" {
		return nil, models.ValidationErrorf("message text is required")
	}

	if !p.matcher.NeedsResponse(in.Text) {
		p.logger.Debug("Message skipped, no response needed",
			zap.String("creator_id", in.CreatorID),
			zap.String("external_id", in.ExternalMessageID))
		return &models.IngestResult{Skipped: true, Reason: models.SkipNoResponseNeeded}, nil
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = p.now()
	}
	msg := &models.Message{
		ID:              uuid.NewString(),
		ExternalID:      in.ExternalMessageID,
		CreatorID:       in.CreatorID,
		ChannelID:       in.ChannelID,
		ChannelCID:      in.ChannelCID,
		VisitorUserID:   in.VisitorUserID,
		VisitorUsername: in.VisitorUsername,
		Text:            in.Text,
		IsPaidDM:        in.IsPaidDM,
		Metadata:        in.Metadata,
		CreatedAt:       createdAt,
	}

	var result *models.IngestResult
	err := p.store.WithTx(ctx, func(tx storage.Storage) error {
		var err error
		result, err = p.ingestTx(ctx, tx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Message ingested",
		zap.String("creator_id", in.CreatorID),
		zap.String("message_id", result.MessageID),
		zap.String("cluster_id", result.ClusterID),
		zap.Bool("matched", result.MatchedMessageID != ""))
	return result, nil
}

func (p *Pipeline) ingestTx(ctx context.Context, tx storage.Storage, msg *models.Message) (*models.IngestResult, error) {
	// Paid DMs are isolated: a fresh standalone cluster, never matched
	// against anything.
	if msg.IsPaidDM {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return nil, err
		}
		clusterID, err := p.createCluster(ctx, tx, msg.CreatorID, msg.ID)
		if err != nil {
			return nil, err
		}
		return &models.IngestResult{MessageID: msg.ID, ClusterID: clusterID}, nil
	}

	matched, err := p.matcher.BestLexical(ctx, tx, msg.CreatorID, msg.Text, msg.ExternalID)
	if err != nil {
		return nil, err
	}

	// A lexical match lets us skip the embedding call, but only when the
	// target cluster already holds an embedded member; otherwise the cluster
	// would be left with no embedding for future vector matching.
	needEmbedding := matched == nil || !matched.ClusterHasEmbedding
	if needEmbedding {
		vec, err := p.embedder.Embed(ctx, msg.Text)
		if err != nil {
			return nil, models.UpstreamErrorf("ingesting message %s: embedding unavailable (%v)", msg.ExternalID, err)
		}
		msg.Embedding = vec
	}

	if err := tx.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	if matched == nil {
		matched, err = p.matcher.BestVector(ctx, tx, msg.CreatorID, msg.Embedding, msg.ID)
		if err != nil {
			return nil, err
		}
	}

	if matched == nil {
		clusterID, err := p.createCluster(ctx, tx, msg.CreatorID, msg.ID)
		if err != nil {
			return nil, err
		}
		return &models.IngestResult{MessageID: msg.ID, ClusterID: clusterID}, nil
	}

	clusterID := matched.ClusterID
	if clusterID == "" {
		// The matched message lost its membership (superseded earlier) or
		// predates clustering; start a cluster holding both messages.
		clusterID, err = p.createCluster(ctx, tx, msg.CreatorID, matched.MessageID)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.AddMember(ctx, clusterID, msg.ID, p.now()); err != nil {
		return nil, err
	}
	// Supersede: at most one active membership per (cluster, channel); the
	// newest message from the channel wins.
	if err := tx.RemoveChannelMembers(ctx, clusterID, msg.ChannelID, msg.ID); err != nil {
		return nil, err
	}
	if err := tx.TouchCluster(ctx, clusterID, p.now()); err != nil {
		return nil, err
	}

	return &models.IngestResult{
		MessageID:        msg.ID,
		ClusterID:        clusterID,
		MatchedMessageID: matched.MessageID,
		Similarity:       matched.Similarity,
	}, nil
}

// createCluster creates a fresh open cluster with one initial member.
func (p *Pipeline) createCluster(ctx context.Context, tx storage.Storage, creatorID, messageID string) (string, error) {
	now := p.now()
	cluster := &models.Cluster{
		ID:        uuid.NewString(),
		CreatorID: creatorID,
		Status:    models.ClusterOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateCluster(ctx, cluster); err != nil {
		return "", err
	}
	if err := tx.AddMember(ctx, cluster.ID, messageID, now); err != nil {
		return "", err
	}
	return cluster.ID, nil
}
