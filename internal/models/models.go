package models

import "time"

type ClusterStatus string

const (
	ClusterOpen     ClusterStatus = "open"
	ClusterActioned ClusterStatus = "actioned"
)

// SourceMetadata holds the display-only fields extracted from the raw
// platform metadata bag at the API boundary. Core logic never dereferences
// the bag itself.
type SourceMetadata struct {
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message is one inbound fan message. Embedding is nil when a lexical match
// resolved clustering before an embedding was ever computed.
type Message struct {
	ID              string         `json:"id"`
	ExternalID      string         `json:"external_id"`
	CreatorID       string         `json:"creator_id"`
	ChannelID       string         `json:"channel_id"`
	ChannelCID      string         `json:"channel_cid,omitempty"`
	VisitorUserID   string         `json:"visitor_user_id,omitempty"`
	VisitorUsername string         `json:"visitor_username,omitempty"`
	Text            string         `json:"text"`
	Embedding       []float32      `json:"-"`
	IsPaidDM        bool           `json:"is_paid_dm"`
	Metadata        SourceMetadata `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	RepliedAt       *time.Time     `json:"replied_at,omitempty"`
}

// Cluster groups similar messages awaiting a single reply. It is transient:
// actioning a cluster deletes it, the audit trail lives in Message.RepliedAt.
type Cluster struct {
	ID           string        `json:"id"`
	CreatorID    string        `json:"creator_id"`
	Status       ClusterStatus `json:"status"`
	ResponseText string        `json:"response_text,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ClusterMembership ties a message to its cluster. A message holds at most
// one membership, and a cluster holds at most one member per channel.
type ClusterMembership struct {
	ClusterID string    `json:"cluster_id"`
	MessageID string    `json:"message_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// ResponseTemplate is a previously sent reply, keyed by the embedding of the
// question it answered.
type ResponseTemplate struct {
	ID                string    `json:"id"`
	CreatorID         string    `json:"creator_id"`
	QuestionEmbedding []float32 `json:"-"`
	ResponseText      string    `json:"response_text"`
	UsageCount        int       `json:"usage_count"`
	LastUsedAt        time.Time `json:"last_used_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Sender identifies the visitor behind a cluster's representative message.
type Sender struct {
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ClusterSummary is the list-view projection of a cluster.
type ClusterSummary struct {
	Cluster           Cluster  `json:"cluster"`
	DistinctChannels  int      `json:"distinct_channels"`
	PreviewText       string   `json:"preview_text"`
	Sender            Sender   `json:"sender"`
	AdditionalSenders int      `json:"additional_senders"`
	AvatarURLs        []string `json:"avatar_urls,omitempty"`
}

// ClusterDetail is the single-cluster projection: members in join order plus
// suggested replies.
type ClusterDetail struct {
	Cluster     Cluster      `json:"cluster"`
	Members     []*Message   `json:"members"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Suggestion is one ranked response template candidate.
type Suggestion struct {
	TemplateID   string    `json:"template_id"`
	ResponseText string    `json:"response_text"`
	Similarity   float64   `json:"similarity"`
	UsageCount   int       `json:"usage_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// ActionResult is the snapshot returned after a cluster is actioned and
// deleted.
type ActionResult struct {
	Cluster      Cluster   `json:"cluster"`
	RepliedCount int       `json:"replied_count"`
	ActionedAt   time.Time `json:"actioned_at"`
}

type SkipReason string

const (
	SkipNoResponseNeeded SkipReason = "no_response_needed"
)

// IngestResult reports what happened to one inbound message. When Skipped is
// true nothing was persisted and Reason is set; otherwise MessageID and
// ClusterID are set, with MatchedMessageID and Similarity present when the
// message joined via a match.
type IngestResult struct {
	Skipped          bool       `json:"skipped"`
	Reason           SkipReason `json:"reason,omitempty"`
	MessageID        string     `json:"message_id,omitempty"`
	ClusterID        string     `json:"cluster_id,omitempty"`
	MatchedMessageID string     `json:"matched_message_id,omitempty"`
	Similarity       float64    `json:"similarity,omitempty"`
}
