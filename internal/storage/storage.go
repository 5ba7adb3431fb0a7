package storage

import (
	"context"
	"time"

	"github.com/avoleva/replyhub/internal/models"
)

// Candidate is one ranked match candidate from a similarity search.
type Candidate struct {
	MessageID string
	// ClusterID of the candidate's open cluster, empty when unclustered.
	ClusterID string
	// ClusterHasEmbedding reports whether the would-be target cluster (the
	// candidate's cluster, or the candidate itself when unclustered) already
	// holds at least one embedded message.
	ClusterHasEmbedding bool
	Similarity          float64
}

// TemplateMatch is a response template with its similarity to a query
// embedding.
type TemplateMatch struct {
	Template   *models.ResponseTemplate
	Similarity float64
}

// Storage is the durable store behind ingestion, cluster lifecycle and
// suggestions. Similarity candidate searches are scoped to one creator's
// unreplied, non-paid messages whose owning cluster (if any) is still open,
// ranked by descending score in [0,1]; ties fall to store ordering.
type Storage interface {
	// WithTx runs fn against a transaction-scoped Storage. The transaction
	// commits only when fn returns nil; any error rolls back every step.
	// Nested calls join the enclosing transaction.
	WithTx(ctx context.Context, fn func(Storage) error) error

	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// MarkMessagesReplied sets RepliedAt on the cluster's members whose
	// channel is in channelIDs, and returns how many were updated.
	MarkMessagesReplied(ctx context.Context, clusterID string, channelIDs []string, at time.Time) (int, error)

	// NearestByText ranks candidates by lexical (trigram) similarity to text,
	// excluding the message with the given external id.
	NearestByText(ctx context.Context, creatorID, text, excludeExternalID string, limit int) ([]Candidate, error)
	// NearestByVector ranks embedded candidates by cosine similarity,
	// excluding the message with the given id.
	NearestByVector(ctx context.Context, creatorID string, vec []float32, excludeMessageID string, limit int) ([]Candidate, error)

	CreateCluster(ctx context.Context, c *models.Cluster) error
	GetCluster(ctx context.Context, id string) (*models.Cluster, error)
	// ListClusters returns the creator's clusters ordered most recently
	// updated first, optionally filtered by status.
	ListClusters(ctx context.Context, creatorID string, status *models.ClusterStatus) ([]*models.Cluster, error)
	TouchCluster(ctx context.Context, id string, at time.Time) error
	DeleteCluster(ctx context.Context, id string) error

	AddMember(ctx context.Context, clusterID, messageID string, at time.Time) error
	RemoveMember(ctx context.Context, clusterID, messageID string) error
	// RemoveChannelMembers evicts every member of the cluster from the given
	// channel except keepMessageID. Only memberships are deleted, never
	// message rows.
	RemoveChannelMembers(ctx context.Context, clusterID, channelID, keepMessageID string) error
	RemoveAllMembers(ctx context.Context, clusterID string) error
	// ListMembers returns the cluster's messages in join order.
	ListMembers(ctx context.Context, clusterID string) ([]*models.Message, error)
	CountMembers(ctx context.Context, clusterID string) (int, error)
	// ClusterOfMessage returns the id of the message's cluster, or "" when
	// the message holds no membership.
	ClusterOfMessage(ctx context.Context, messageID string) (string, error)

	// UpsertTemplate inserts a response template, or increments usage_count
	// and refreshes last_used_at when the (creator, text, embedding) triple
	// already exists.
	UpsertTemplate(ctx context.Context, creatorID, responseText string, embedding []float32, at time.Time) (*models.ResponseTemplate, error)
	// NearestTemplates returns up to limit templates with similarity strictly
	// above minSimilarity, ordered by similarity desc, usage count desc,
	// last used desc.
	NearestTemplates(ctx context.Context, creatorID string, embedding []float32, minSimilarity float64, limit int) ([]TemplateMatch, error)

	Close() error
}
