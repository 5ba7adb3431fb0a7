package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avoleva/replyhub/internal/models"
)

func TestTrigramSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want func(t *testing.T, sim float64)
	}{
		{
			name: "identical text scores 1",
			a:    "How much do you charge?",
			b:    "How much do you charge?",
			want: func(t *testing.T, sim float64) { assert.Equal(t, 1.0, sim) },
		},
		{
			name: "case and punctuation insensitive",
			a:    "how much do you charge",
			b:    "HOW MUCH do you charge!!",
			want: func(t *testing.T, sim float64) { assert.Equal(t, 1.0, sim) },
		},
		{
			name: "unrelated text scores low",
			a:    "How much do you charge?",
			b:    "Good morning sunshine",
			want: func(t *testing.T, sim float64) { assert.Less(t, sim, 0.2) },
		},
		{
			name: "near duplicate scores high",
			a:    "How much do you charge?",
			b:    "How much do you charge for this?",
			want: func(t *testing.T, sim float64) { assert.Greater(t, sim, 0.5) },
		},
		{
			name: "empty text scores 0",
			a:    "",
			b:    "hello there",
			want: func(t *testing.T, sim float64) { assert.Equal(t, 0.0, sim) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, trigramSimilarity(trigrams(tt.a), trigrams(tt.b)))
		})
	}
}

func newMessage(creator, channel, external, text string) *models.Message {
	return &models.Message{
		ID:         "msg-" + external,
		ExternalID: external,
		CreatorID:  creator,
		ChannelID:  channel,
		Text:       text,
		CreatedAt:  time.Now(),
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Storage) error {
		require.NoError(t, tx.CreateMessage(ctx, newMessage("creator-1", "ch-1", "ext-1", "hello world")))
		c := &models.Cluster{ID: "cl-1", CreatorID: "creator-1", Status: models.ClusterOpen}
		require.NoError(t, tx.CreateCluster(ctx, c))
		require.NoError(t, tx.AddMember(ctx, "cl-1", "msg-ext-1", time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetMessage(ctx, "msg-ext-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetCluster(ctx, "cl-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWithTxCommits(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Storage) error {
		return tx.CreateMessage(ctx, newMessage("creator-1", "ch-1", "ext-1", "hello world"))
	})
	require.NoError(t, err)

	m, err := s.GetMessage(ctx, "msg-ext-1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", m.Text)
}

func TestAddMemberEnforcesSingleCluster(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, newMessage("creator-1", "ch-1", "ext-1", "hello world")))
	for _, id := range []string{"cl-1", "cl-2"} {
		require.NoError(t, s.CreateCluster(ctx, &models.Cluster{ID: id, CreatorID: "creator-1", Status: models.ClusterOpen}))
	}
	require.NoError(t, s.AddMember(ctx, "cl-1", "msg-ext-1", time.Now()))

	err := s.AddMember(ctx, "cl-2", "msg-ext-1", time.Now())
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestNearestByTextScope(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	now := time.Now()

	// In scope: same creator, unreplied, free, unclustered.
	require.NoError(t, s.CreateMessage(ctx, newMessage("creator-1", "ch-1", "ext-1", "how much do you charge")))
	// Out of scope: paid.
	paid := newMessage("creator-1", "ch-2", "ext-2", "how much do you charge")
	paid.IsPaidDM = true
	require.NoError(t, s.CreateMessage(ctx, paid))
	// Out of scope: replied.
	replied := newMessage("creator-1", "ch-3", "ext-3", "how much do you charge")
	replied.RepliedAt = &now
	require.NoError(t, s.CreateMessage(ctx, replied))
	// Out of scope: other creator.
	require.NoError(t, s.CreateMessage(ctx, newMessage("creator-2", "ch-4", "ext-4", "how much do you charge")))

	candidates, err := s.NearestByText(ctx, "creator-1", "how much do you charge", "ext-new", 5)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "msg-ext-1", candidates[0].MessageID)
	assert.Equal(t, 1.0, candidates[0].Similarity)
	assert.Empty(t, candidates[0].ClusterID)
}

func TestNearestByVectorRanking(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	near := newMessage("creator-1", "ch-1", "ext-1", "first")
	near.Embedding = []float32{1, 0}
	far := newMessage("creator-1", "ch-2", "ext-2", "second")
	far.Embedding = []float32{0, 1}
	require.NoError(t, s.CreateMessage(ctx, near))
	require.NoError(t, s.CreateMessage(ctx, far))

	candidates, err := s.NearestByVector(ctx, "creator-1", []float32{1, 0}, "msg-new", 5)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "msg-ext-1", candidates[0].MessageID)
	assert.InDelta(t, 1.0, candidates[0].Similarity, 1e-9)
	assert.InDelta(t, 0.0, candidates[1].Similarity, 1e-9)
}

func TestRemoveChannelMembersKeepsNewest(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.CreateCluster(ctx, &models.Cluster{ID: "cl-1", CreatorID: "creator-1", Status: models.ClusterOpen}))
	for i, ext := range []string{"a", "b", "c"} {
		channel := "ch-1"
		if ext == "b" {
			channel = "ch-2"
		}
		require.NoError(t, s.CreateMessage(ctx, newMessage("creator-1", channel, ext, "text")))
		require.NoError(t, s.AddMember(ctx, "cl-1", "msg-"+ext, time.Now().Add(time.Duration(i)*time.Second)))
	}

	require.NoError(t, s.RemoveChannelMembers(ctx, "cl-1", "ch-1", "msg-c"))

	members, err := s.ListMembers(ctx, "cl-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "msg-b", members[0].ID)
	assert.Equal(t, "msg-c", members[1].ID)
}

func TestUpsertTemplateIncrementsUsage(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	emb := []float32{0.5, 0.5}

	first, err := s.UpsertTemplate(ctx, "creator-1", "Thanks!", emb, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, first.UsageCount)

	second, err := s.UpsertTemplate(ctx, "creator-1", "Thanks!", emb, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.UsageCount)

	// Different text is a different template.
	other, err := s.UpsertTemplate(ctx, "creator-1", "You're welcome!", emb, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 1, other.UsageCount)
}

func TestNearestTemplatesOrdering(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	base := time.Now()

	// Similarities against the query [1, 0]: 1.0, ~0.95, ~0.9, 0.0.
	_, err := s.UpsertTemplate(ctx, "creator-1", "exact", []float32{1, 0}, base)
	require.NoError(t, err)
	_, err = s.UpsertTemplate(ctx, "creator-1", "close", []float32{0.95, 0.312}, base)
	require.NoError(t, err)
	_, err = s.UpsertTemplate(ctx, "creator-1", "near", []float32{0.9, 0.436}, base)
	require.NoError(t, err)
	_, err = s.UpsertTemplate(ctx, "creator-1", "orthogonal", []float32{0, 1}, base)
	require.NoError(t, err)

	matches, err := s.NearestTemplates(ctx, "creator-1", []float32{1, 0}, 0.8, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "exact", matches[0].Template.ResponseText)
	assert.Equal(t, "close", matches[1].Template.ResponseText)
	assert.Equal(t, "near", matches[2].Template.ResponseText)
}
