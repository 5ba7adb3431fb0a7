// Package cluster owns the cluster lifecycle: listing, detail, bulk-action
// and member removal. A cluster is a transient "needs a decision" unit;
// actioning it deletes it.
package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/models"
	"github.com/avoleva/replyhub/internal/storage"
	"github.com/avoleva/replyhub/internal/suggest"
)

// ListOptions filters List results.
type ListOptions struct {
	Status *models.ClusterStatus
	// MinDistinctChannels drops clusters spanning fewer channels, letting the
	// UI show only "worth batching" groups.
	MinDistinctChannels int
}

type Lifecycle struct {
	store     storage.Storage
	suggester *suggest.Suggester
	logger    *zap.Logger
	now       func() time.Time
}

func NewLifecycle(store storage.Storage, suggester *suggest.Suggester, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{store: store, suggester: suggester, logger: logger, now: time.Now}
}

// List returns the creator's clusters, most recently updated first, with the
// derived list-view fields.
func (l *Lifecycle) List(ctx context.Context, creatorID string, opts ListOptions) ([]*models.ClusterSummary, error) {
	if creatorID == "" {
		return nil, models.ValidationErrorf("creator id is required")
	}

	clusters, err := l.store.ListClusters(ctx, creatorID, opts.Status)
	if err != nil {
		return nil, err
	}

	summaries := make([]*models.ClusterSummary, 0, len(clusters))
	for _, c := range clusters {
		members, err := l.store.ListMembers(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		summary := summarize(c, members)
		if summary.DistinctChannels < opts.MinDistinctChannels {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func summarize(c *models.Cluster, members []*models.Message) *models.ClusterSummary {
	summary := &models.ClusterSummary{Cluster: *c}

	channels := make(map[string]struct{})
	seenAvatars := make(map[string]struct{})
	for _, m := range members {
		channels[m.ChannelID] = struct{}{}
		if url := m.Metadata.AvatarURL; url != "" {
			if _, ok := seenAvatars[url]; !ok {
				seenAvatars[url] = struct{}{}
				summary.AvatarURLs = append(summary.AvatarURLs, url)
			}
		}
	}
	summary.DistinctChannels = len(channels)

	if len(members) > 0 {
		earliest := members[0]
		summary.PreviewText = earliest.Text
		summary.Sender = models.Sender{
			UserID:    earliest.VisitorUserID,
			Username:  earliest.VisitorUsername,
			AvatarURL: earliest.Metadata.AvatarURL,
		}
		summary.AdditionalSenders = summary.DistinctChannels - 1
	}
	return summary
}

// Detail returns one cluster with its members in join order and the top
// suggested replies.
func (l *Lifecycle) Detail(ctx context.Context, clusterID string) (*models.ClusterDetail, error) {
	c, err := l.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	members, err := l.store.ListMembers(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	suggestions, err := l.suggester.Suggest(ctx, clusterID, c.CreatorID)
	if err != nil {
		return nil, err
	}
	return &models.ClusterDetail{Cluster: *c, Members: members, Suggestions: suggestions}, nil
}

// Action replies to the cluster in bulk: members on the given channels are
// marked replied, the response text is recorded as a reusable template keyed
// by the earliest member's embedding, and the cluster plus all memberships
// are deleted. The returned snapshot is the only remaining view of the
// cluster.
func (l *Lifecycle) Action(ctx context.Context, clusterID, responseText string, channelIDs []string) (*models.ActionResult, error) {
	if responseText == "" {
		return nil, models.ValidationErrorf("response text is required")
	}
	if len(channelIDs) == 0 {
		return nil, models.ValidationErrorf("actioning cluster %s: channel list is empty", clusterID)
	}

	var result *models.ActionResult
	err := l.store.WithTx(ctx, func(tx storage.Storage) error {
		c, err := tx.GetCluster(ctx, clusterID)
		if err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, clusterID)
		if err != nil {
			return err
		}

		now := l.now()
		replied, err := tx.MarkMessagesReplied(ctx, clusterID, channelIDs, now)
		if err != nil {
			return err
		}

		// The earliest member's embedding keys the template; clusters that
		// resolved purely lexically may not have one.
		if len(members) > 0 && members[0].Embedding != nil {
			if err := l.suggester.RecordUsage(ctx, tx, c.CreatorID, responseText, members[0].Embedding); err != nil {
				return err
			}
		}

		if err := tx.RemoveAllMembers(ctx, clusterID); err != nil {
			return err
		}
		if err := tx.DeleteCluster(ctx, clusterID); err != nil {
			return err
		}

		snapshot := *c
		snapshot.Status = models.ClusterActioned
		snapshot.ResponseText = responseText
		snapshot.UpdatedAt = now
		result = &models.ActionResult{Cluster: snapshot, RepliedCount: replied, ActionedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Cluster actioned",
		zap.String("cluster_id", clusterID),
		zap.Int("replied_count", result.RepliedCount))
	return result, nil
}

// RemoveMember drops one membership. Removing the last member deletes the
// cluster and returns deleted=true with a nil cluster; otherwise the
// refreshed cluster is returned.
func (l *Lifecycle) RemoveMember(ctx context.Context, clusterID, messageID string) (*models.Cluster, bool, error) {
	var (
		refreshed *models.Cluster
		deleted   bool
	)
	err := l.store.WithTx(ctx, func(tx storage.Storage) error {
		if _, err := tx.GetCluster(ctx, clusterID); err != nil {
			return err
		}
		if err := tx.RemoveMember(ctx, clusterID, messageID); err != nil {
			return err
		}

		remaining, err := tx.CountMembers(ctx, clusterID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			deleted = true
			return tx.DeleteCluster(ctx, clusterID)
		}

		if err := tx.TouchCluster(ctx, clusterID, l.now()); err != nil {
			return err
		}
		refreshed, err = tx.GetCluster(ctx, clusterID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	l.logger.Info("Cluster member removed",
		zap.String("cluster_id", clusterID),
		zap.String("message_id", messageID),
		zap.Bool("cluster_deleted", deleted))
	return refreshed, deleted, nil
}
