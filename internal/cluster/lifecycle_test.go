package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/cluster"
	"github.com/avoleva/replyhub/internal/models"
	"github.com/avoleva/replyhub/internal/storage"
	"github.com/avoleva/replyhub/internal/suggest"
)

type fixture struct {
	store     *storage.MemoryStorage
	lifecycle *cluster.Lifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	suggester := suggest.New(store, suggest.Config{SimilarityThreshold: 0.8, Limit: 3}, zap.NewNop())
	return &fixture{
		store:     store,
		lifecycle: cluster.NewLifecycle(store, suggester, zap.NewNop()),
	}
}

// seedCluster creates an open cluster whose members arrive one second apart,
// in the given channel order.
func (f *fixture) seedCluster(t *testing.T, id string, emb []float32, channels ...string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, f.store.CreateCluster(ctx, &models.Cluster{
		ID: id, CreatorID: "creator-1", Status: models.ClusterOpen,
		CreatedAt: base, UpdatedAt: base,
	}))
	for i, ch := range channels {
		msgID := id + "-m" + ch
		at := base.Add(time.Duration(i) * time.Second)
		msg := &models.Message{
			ID: msgID, ExternalID: "ext-" + msgID, CreatorID: "creator-1",
			ChannelID: ch, Text: "question from " + ch,
			VisitorUserID: "user-" + ch, VisitorUsername: "name-" + ch,
			Metadata:  models.SourceMetadata{AvatarURL: "https://cdn.example/" + ch + ".png"},
			CreatedAt: at,
		}
		if i == 0 {
			msg.Embedding = emb
		}
		require.NoError(t, f.store.CreateMessage(ctx, msg))
		require.NoError(t, f.store.AddMember(ctx, id, msgID, at))
	}
}

func TestListSummaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-old", []float32{1, 0}, "ch-1", "ch-2", "ch-3")
	f.seedCluster(t, "cl-new", []float32{0, 1}, "ch-4")
	require.NoError(t, f.store.TouchCluster(ctx, "cl-new", time.Now()))

	summaries, err := f.lifecycle.List(ctx, "creator-1", cluster.ListOptions{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Most recently updated first.
	assert.Equal(t, "cl-new", summaries[0].Cluster.ID)

	old := summaries[1]
	assert.Equal(t, "cl-old", old.Cluster.ID)
	assert.Equal(t, 3, old.DistinctChannels)
	assert.Equal(t, "question from ch-1", old.PreviewText)
	assert.Equal(t, "user-ch-1", old.Sender.UserID)
	assert.Equal(t, "name-ch-1", old.Sender.Username)
	assert.Equal(t, 2, old.AdditionalSenders)
	assert.Len(t, old.AvatarURLs, 3)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-multi", []float32{1, 0}, "ch-1", "ch-2")
	f.seedCluster(t, "cl-single", []float32{0, 1}, "ch-3")

	summaries, err := f.lifecycle.List(ctx, "creator-1", cluster.ListOptions{MinDistinctChannels: 2})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "cl-multi", summaries[0].Cluster.ID)

	open := models.ClusterOpen
	summaries, err = f.lifecycle.List(ctx, "creator-1", cluster.ListOptions{Status: &open})
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	actioned := models.ClusterActioned
	summaries, err = f.lifecycle.List(ctx, "creator-1", cluster.ListOptions{Status: &actioned})
	require.NoError(t, err)
	assert.Empty(t, summaries)

	_, err = f.lifecycle.List(ctx, "", cluster.ListOptions{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", []float32{1, 0}, "ch-1", "ch-2")

	detail, err := f.lifecycle.Detail(ctx, "cl-1")
	require.NoError(t, err)
	require.Len(t, detail.Members, 2)
	assert.Equal(t, "cl-1-mch-1", detail.Members[0].ID, "members in join order")

	_, err = f.lifecycle.Detail(ctx, "cl-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestActionDeletesCluster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", []float32{1, 0}, "ch-1", "ch-2")

	result, err := f.lifecycle.Action(ctx, "cl-1", "Thanks for asking! My rates are pinned.", []string{"ch-1", "ch-2"})
	require.NoError(t, err)
	assert.Equal(t, models.ClusterActioned, result.Cluster.Status)
	assert.Equal(t, 2, result.RepliedCount)

	// The cluster is gone from every read path.
	_, err = f.lifecycle.Detail(ctx, "cl-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	for _, status := range []models.ClusterStatus{models.ClusterOpen, models.ClusterActioned} {
		st := status
		summaries, err := f.lifecycle.List(ctx, "creator-1", cluster.ListOptions{Status: &st})
		require.NoError(t, err)
		assert.Empty(t, summaries)
	}

	// Messages carry the audit trail.
	for _, msgID := range []string{"cl-1-mch-1", "cl-1-mch-2"} {
		m, err := f.store.GetMessage(ctx, msgID)
		require.NoError(t, err)
		assert.NotNil(t, m.RepliedAt)
	}
}

func TestActionMarksOnlySelectedChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", []float32{1, 0}, "ch-1", "ch-2")

	result, err := f.lifecycle.Action(ctx, "cl-1", "Here you go!", []string{"ch-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RepliedCount)

	m, err := f.store.GetMessage(ctx, "cl-1-mch-2")
	require.NoError(t, err)
	assert.Nil(t, m.RepliedAt)
}

func TestActionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", []float32{1, 0}, "ch-1")

	_, err := f.lifecycle.Action(ctx, "cl-1", "reply", nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.lifecycle.Action(ctx, "cl-1", "", []string{"ch-1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.lifecycle.Action(ctx, "cl-missing", "reply", []string{"ch-1"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestActionTwiceReusesTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two clusters answering the same recurring question.
	emb := []float32{1, 0}
	f.seedCluster(t, "cl-a", emb, "ch-1")
	f.seedCluster(t, "cl-b", emb, "ch-2")

	_, err := f.lifecycle.Action(ctx, "cl-a", "Thanks!", []string{"ch-1"})
	require.NoError(t, err)
	_, err = f.lifecycle.Action(ctx, "cl-b", "Thanks!", []string{"ch-2"})
	require.NoError(t, err)

	matches, err := f.store.NearestTemplates(ctx, "creator-1", emb, 0, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1, "identical replies collapse into one template")
	assert.Equal(t, 2, matches[0].Template.UsageCount)
}

func TestActionWithoutEmbeddingSkipsTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", nil, "ch-1")

	_, err := f.lifecycle.Action(ctx, "cl-1", "Here you go!", []string{"ch-1"})
	require.NoError(t, err)

	matches, err := f.store.NearestTemplates(ctx, "creator-1", []float32{1, 0}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRemoveLastMemberDeletesCluster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", []float32{1, 0}, "ch-1")

	refreshed, deleted, err := f.lifecycle.RemoveMember(ctx, "cl-1", "cl-1-mch-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Nil(t, refreshed)

	summaries, err := f.lifecycle.List(ctx, "creator-1", cluster.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestRemoveNonLastMemberKeepsCluster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", []float32{1, 0}, "ch-1", "ch-2")
	before, err := f.store.GetCluster(ctx, "cl-1")
	require.NoError(t, err)

	refreshed, deleted, err := f.lifecycle.RemoveMember(ctx, "cl-1", "cl-1-mch-1")
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NotNil(t, refreshed)
	assert.True(t, refreshed.UpdatedAt.After(before.UpdatedAt))

	detail, err := f.lifecycle.Detail(ctx, "cl-1")
	require.NoError(t, err)
	require.Len(t, detail.Members, 1)
	assert.Equal(t, "cl-1-mch-2", detail.Members[0].ID)

	// The removed message row survives, only the membership is gone.
	_, err = f.store.GetMessage(ctx, "cl-1-mch-1")
	assert.NoError(t, err)
}

func TestRemoveMemberNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedCluster(t, "cl-1", []float32{1, 0}, "ch-1")

	_, _, err := f.lifecycle.RemoveMember(ctx, "cl-1", "msg-unknown")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, _, err = f.lifecycle.RemoveMember(ctx, "cl-missing", "cl-1-mch-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
