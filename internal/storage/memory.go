package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avoleva/replyhub/internal/embedding"
	"github.com/avoleva/replyhub/internal/models"
)

// MemoryStorage is the in-process Storage used by tests and the
// use_in_memory deployment mode. Lexical similarity is trigram overlap over
// lowercased words, mirroring the Postgres pg_trgm scoring.
type MemoryStorage struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	messages  map[string]*models.Message
	clusters  map[string]*models.Cluster
	members   map[string][]models.ClusterMembership
	templates map[string]*models.ResponseTemplate
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:  make(map[string]*models.Message),
		clusters:  make(map[string]*models.Cluster),
		members:   make(map[string][]models.ClusterMembership),
		templates: make(map[string]*models.ResponseTemplate),
	}
}

type memorySnapshot struct {
	messages  map[string]*models.Message
	clusters  map[string]*models.Cluster
	members   map[string][]models.ClusterMembership
	templates map[string]*models.ResponseTemplate
}

func (s *MemoryStorage) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memorySnapshot{
		messages:  make(map[string]*models.Message, len(s.messages)),
		clusters:  make(map[string]*models.Cluster, len(s.clusters)),
		members:   make(map[string][]models.ClusterMembership, len(s.members)),
		templates: make(map[string]*models.ResponseTemplate, len(s.templates)),
	}
	for id, m := range s.messages {
		c := *m
		snap.messages[id] = &c
	}
	for id, c := range s.clusters {
		cc := *c
		snap.clusters[id] = &cc
	}
	for id, ms := range s.members {
		snap.members[id] = append([]models.ClusterMembership(nil), ms...)
	}
	for id, t := range s.templates {
		tc := *t
		snap.templates[id] = &tc
	}
	return snap
}

func (s *MemoryStorage) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = snap.messages
	s.clusters = snap.clusters
	s.members = snap.members
	s.templates = snap.templates
}

// WithTx serializes mutating workflows and restores a pre-transaction
// snapshot when fn fails, matching the rollback contract of the Postgres
// store.
func (s *MemoryStorage) WithTx(ctx context.Context, fn func(Storage) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(&memoryTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memoryTx joins nested WithTx calls to the enclosing transaction.
type memoryTx struct {
	*MemoryStorage
}

func (t *memoryTx) WithTx(ctx context.Context, fn func(Storage) error) error {
	return fn(t)
}

func (s *MemoryStorage) CreateMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[m.ID]; exists {
		return models.ConflictErrorf("message %s already exists", m.ID)
	}
	for _, other := range s.messages {
		if other.ExternalID == m.ExternalID {
			return models.ConflictErrorf("message with external id %s already exists", m.ExternalID)
		}
	}
	c := *m
	s.messages[m.ID] = &c
	return nil
}

func (s *MemoryStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.messages[id]
	if !exists {
		return nil, models.NotFoundErrorf("message %s", id)
	}
	c := *m
	return &c, nil
}

func (s *MemoryStorage) MarkMessagesReplied(ctx context.Context, clusterID string, channelIDs []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := make(map[string]struct{}, len(channelIDs))
	for _, ch := range channelIDs {
		channels[ch] = struct{}{}
	}

	count := 0
	for _, ms := range s.members[clusterID] {
		m, exists := s.messages[ms.MessageID]
		if !exists {
			continue
		}
		if _, ok := channels[m.ChannelID]; ok && m.RepliedAt == nil {
			t := at
			m.RepliedAt = &t
			count++
		}
	}
	return count, nil
}

// inScope reports whether a message participates in candidate searches for
// the creator: unreplied, non-paid, and its cluster (if any) still open.
func (s *MemoryStorage) inScope(m *models.Message, creatorID string) bool {
	if m.CreatorID != creatorID || m.IsPaidDM || m.RepliedAt != nil {
		return false
	}
	if clusterID := s.clusterOfLocked(m.ID); clusterID != "" {
		c, exists := s.clusters[clusterID]
		if !exists || c.Status != models.ClusterOpen {
			return false
		}
	}
	return true
}

func (s *MemoryStorage) clusterOfLocked(messageID string) string {
	for clusterID, ms := range s.members {
		for _, membership := range ms {
			if membership.MessageID == messageID {
				return clusterID
			}
		}
	}
	return ""
}

func (s *MemoryStorage) targetHasEmbeddingLocked(m *models.Message) bool {
	clusterID := s.clusterOfLocked(m.ID)
	if clusterID == "" {
		return m.Embedding != nil
	}
	for _, membership := range s.members[clusterID] {
		if member, exists := s.messages[membership.MessageID]; exists && member.Embedding != nil {
			return true
		}
	}
	return false
}

func (s *MemoryStorage) rankCandidates(creatorID string, score func(*models.Message) (float64, bool), limit int) []Candidate {
	type scored struct {
		cand      Candidate
		createdAt time.Time
	}
	var results []scored
	for _, m := range s.messages {
		if !s.inScope(m, creatorID) {
			continue
		}
		sim, ok := score(m)
		if !ok {
			continue
		}
		results = append(results, scored{
			cand: Candidate{
				MessageID:           m.ID,
				ClusterID:           s.clusterOfLocked(m.ID),
				ClusterHasEmbedding: s.targetHasEmbeddingLocked(m),
				Similarity:          sim,
			},
			createdAt: m.CreatedAt,
		})
	}

	// Ties go to the newest message: superseded messages linger in scope,
	// and the newest duplicate is the one still holding a membership.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].cand.Similarity != results[j].cand.Similarity {
			return results[i].cand.Similarity > results[j].cand.Similarity
		}
		return results[i].createdAt.After(results[j].createdAt)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, r.cand)
	}
	return out
}

func (s *MemoryStorage) NearestByText(ctx context.Context, creatorID, text, excludeExternalID string, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := trigrams(text)
	return s.rankCandidates(creatorID, func(m *models.Message) (float64, bool) {
		if m.ExternalID == excludeExternalID {
			return 0, false
		}
		return trigramSimilarity(query, trigrams(m.Text)), true
	}, limit), nil
}

func (s *MemoryStorage) NearestByVector(ctx context.Context, creatorID string, vec []float32, excludeMessageID string, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rankCandidates(creatorID, func(m *models.Message) (float64, bool) {
		if m.ID == excludeMessageID || m.Embedding == nil {
			return 0, false
		}
		return embedding.CosineSimilarity(vec, m.Embedding), true
	}, limit), nil
}

func (s *MemoryStorage) CreateCluster(ctx context.Context, c *models.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clusters[c.ID]; exists {
		return models.ConflictErrorf("cluster %s already exists", c.ID)
	}
	cc := *c
	s.clusters[c.ID] = &cc
	return nil
}

func (s *MemoryStorage) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.clusters[id]
	if !exists {
		return nil, models.NotFoundErrorf("cluster %s", id)
	}
	cc := *c
	return &cc, nil
}

func (s *MemoryStorage) ListClusters(ctx context.Context, creatorID string, status *models.ClusterStatus) ([]*models.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clusters []*models.Cluster
	for _, c := range s.clusters {
		if c.CreatorID != creatorID {
			continue
		}
		if status != nil && c.Status != *status {
			continue
		}
		cc := *c
		clusters = append(clusters, &cc)
	}
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].UpdatedAt.After(clusters[j].UpdatedAt)
	})
	return clusters, nil
}

func (s *MemoryStorage) TouchCluster(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.clusters[id]
	if !exists {
		return models.NotFoundErrorf("cluster %s", id)
	}
	c.UpdatedAt = at
	return nil
}

func (s *MemoryStorage) DeleteCluster(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clusters[id]; !exists {
		return models.NotFoundErrorf("cluster %s", id)
	}
	delete(s.clusters, id)
	delete(s.members, id)
	return nil
}

func (s *MemoryStorage) AddMember(ctx context.Context, clusterID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clusters[clusterID]; !exists {
		return models.NotFoundErrorf("cluster %s", clusterID)
	}
	if _, exists := s.messages[messageID]; !exists {
		return models.NotFoundErrorf("message %s", messageID)
	}
	if owner := s.clusterOfLocked(messageID); owner != "" {
		return models.ConflictErrorf("message %s already belongs to cluster %s", messageID, owner)
	}
	s.members[clusterID] = append(s.members[clusterID], models.ClusterMembership{
		ClusterID: clusterID,
		MessageID: messageID,
		JoinedAt:  at,
	})
	return nil
}

func (s *MemoryStorage) RemoveMember(ctx context.Context, clusterID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.members[clusterID]
	for i, membership := range ms {
		if membership.MessageID == messageID {
			s.members[clusterID] = append(ms[:i:i], ms[i+1:]...)
			return nil
		}
	}
	return models.NotFoundErrorf("membership of message %s in cluster %s", messageID, clusterID)
}

func (s *MemoryStorage) RemoveChannelMembers(ctx context.Context, clusterID, channelID, keepMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.members[clusterID]
	kept := ms[:0:0]
	for _, membership := range ms {
		m, exists := s.messages[membership.MessageID]
		if exists && m.ChannelID == channelID && membership.MessageID != keepMessageID {
			continue
		}
		kept = append(kept, membership)
	}
	s.members[clusterID] = kept
	return nil
}

func (s *MemoryStorage) RemoveAllMembers(ctx context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members, clusterID)
	return nil
}

func (s *MemoryStorage) ListMembers(ctx context.Context, clusterID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms := append([]models.ClusterMembership(nil), s.members[clusterID]...)
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].JoinedAt.Before(ms[j].JoinedAt)
	})

	messages := make([]*models.Message, 0, len(ms))
	for _, membership := range ms {
		if m, exists := s.messages[membership.MessageID]; exists {
			c := *m
			messages = append(messages, &c)
		}
	}
	return messages, nil
}

func (s *MemoryStorage) CountMembers(ctx context.Context, clusterID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members[clusterID]), nil
}

func (s *MemoryStorage) ClusterOfMessage(ctx context.Context, messageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clusterOfLocked(messageID), nil
}

func (s *MemoryStorage) UpsertTemplate(ctx context.Context, creatorID, responseText string, emb []float32, at time.Time) (*models.ResponseTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.templates {
		if t.CreatorID == creatorID && t.ResponseText == responseText && vectorsEqual(t.QuestionEmbedding, emb) {
			t.UsageCount++
			t.LastUsedAt = at
			c := *t
			return &c, nil
		}
	}

	t := &models.ResponseTemplate{
		ID:                uuid.NewString(),
		CreatorID:         creatorID,
		QuestionEmbedding: append([]float32(nil), emb...),
		ResponseText:      responseText,
		UsageCount:        1,
		LastUsedAt:        at,
		CreatedAt:         at,
	}
	s.templates[t.ID] = t
	c := *t
	return &c, nil
}

func (s *MemoryStorage) NearestTemplates(ctx context.Context, creatorID string, emb []float32, minSimilarity float64, limit int) ([]TemplateMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []TemplateMatch
	for _, t := range s.templates {
		if t.CreatorID != creatorID {
			continue
		}
		sim := embedding.CosineSimilarity(emb, t.QuestionEmbedding)
		if sim <= minSimilarity {
			continue
		}
		c := *t
		matches = append(matches, TemplateMatch{Template: &c, Similarity: sim})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if matches[i].Template.UsageCount != matches[j].Template.UsageCount {
			return matches[i].Template.UsageCount > matches[j].Template.UsageCount
		}
		return matches[i].Template.LastUsedAt.After(matches[j].Template.LastUsedAt)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func vectorsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// trigrams extracts pg_trgm-style trigrams: text is lowercased, split into
// alphanumeric words, and each word is padded with two leading and one
// trailing space before slicing.
func trigrams(text string) map[string]struct{} {
	set := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r > 127)
	})
	for _, w := range words {
		padded := "  " + w + " "
		for i := 0; i+3 <= len(padded); i++ {
			set[padded[i:i+3]] = struct{}{}
		}
	}
	return set
}

// trigramSimilarity is |intersection| / |union|, the pg_trgm similarity
// definition.
func trigramSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
