package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStorage backs Storage with Postgres: pg_trgm similarity() for
// lexical candidate search and pgvector cosine distance for semantic search.
type PostgresStorage struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, q: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) WithTx(ctx context.Context, fn func(Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.UpstreamErrorf("beginning transaction: %v", err)
	}

	scoped := &PostgresStorage{db: s.db, q: tx, inTx: true, logger: s.logger}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.UpstreamErrorf("committing transaction: %v", err)
	}
	return nil
}

// nullVector scans a nullable pgvector column.
type nullVector struct {
	vec   pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.vec.Scan(src)
}

func embeddingArg(vec []float32) any {
	if vec == nil {
		return nil
	}
	return pgvector.NewVector(vec)
}

func (s *PostgresStorage) CreateMessage(ctx context.Context, m *models.Message) error {
	query := `
		INSERT INTO messages (id, external_id, creator_id, channel_id, channel_cid,
			visitor_user_id, visitor_username, text, embedding, is_paid_dm, avatar_url,
			created_at, replied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.q.ExecContext(ctx, query,
		m.ID, m.ExternalID, m.CreatorID, m.ChannelID, m.ChannelCID,
		m.VisitorUserID, m.VisitorUsername, m.Text, embeddingArg(m.Embedding),
		m.IsPaidDM, m.Metadata.AvatarURL, m.CreatedAt, m.RepliedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return models.ConflictErrorf("message with external id %s already exists", m.ExternalID)
		}
		return models.UpstreamErrorf("creating message %s: %v", m.ID, err)
	}
	return nil
}

const messageColumns = `id, external_id, creator_id, channel_id, channel_cid,
	visitor_user_id, visitor_username, text, embedding, is_paid_dm, avatar_url,
	created_at, replied_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var emb nullVector
	err := row.Scan(&m.ID, &m.ExternalID, &m.CreatorID, &m.ChannelID, &m.ChannelCID,
		&m.VisitorUserID, &m.VisitorUsername, &m.Text, &emb, &m.IsPaidDM,
		&m.Metadata.AvatarURL, &m.CreatedAt, &m.RepliedAt)
	if err != nil {
		return nil, err
	}
	if emb.valid {
		m.Embedding = emb.vec.Slice()
	}
	return &m, nil
}

func (s *PostgresStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundErrorf("message %s", id)
	}
	if err != nil {
		return nil, models.UpstreamErrorf("getting message %s: %v", id, err)
	}
	return m, nil
}

func (s *PostgresStorage) MarkMessagesReplied(ctx context.Context, clusterID string, channelIDs []string, at time.Time) (int, error) {
	query := `
		UPDATE messages
		SET replied_at = $3
		WHERE replied_at IS NULL
		  AND channel_id = ANY ($2)
		  AND id IN (SELECT message_id FROM cluster_members WHERE cluster_id = $1)`

	result, err := s.q.ExecContext(ctx, query, clusterID, pq.Array(channelIDs), at)
	if err != nil {
		return 0, models.UpstreamErrorf("marking cluster %s messages replied: %v", clusterID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, models.UpstreamErrorf("marking cluster %s messages replied: %v", clusterID, err)
	}
	return int(n), nil
}

// candidateScope restricts similarity searches to the creator's unreplied,
// non-paid messages whose owning cluster (if any) is still open.
const candidateScope = `
	FROM messages m
	LEFT JOIN cluster_members cm ON cm.message_id = m.id
	LEFT JOIN clusters c ON c.id = cm.cluster_id
	WHERE m.creator_id = $1
	  AND m.replied_at IS NULL
	  AND NOT m.is_paid_dm
	  AND (cm.cluster_id IS NULL OR c.status = 'open')`

// targetHasEmbedding reports whether the candidate's would-be target cluster
// already holds an embedded message.
const targetHasEmbedding = `
	COALESCE((SELECT TRUE
		FROM cluster_members cm2
		JOIN messages m2 ON m2.id = cm2.message_id
		WHERE cm2.cluster_id = cm.cluster_id AND m2.embedding IS NOT NULL
		LIMIT 1), m.embedding IS NOT NULL)`

func (s *PostgresStorage) scanCandidates(rows *sql.Rows) ([]Candidate, error) {
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var cand Candidate
		var clusterID sql.NullString
		if err := rows.Scan(&cand.MessageID, &clusterID, &cand.ClusterHasEmbedding, &cand.Similarity); err != nil {
			return nil, err
		}
		cand.ClusterID = clusterID.String
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

func (s *PostgresStorage) NearestByText(ctx context.Context, creatorID, text, excludeExternalID string, limit int) ([]Candidate, error) {
	query := `
		SELECT m.id, cm.cluster_id, ` + targetHasEmbedding + `, similarity(m.text, $2)` +
		candidateScope + `
		  AND m.external_id <> $3
		ORDER BY similarity(m.text, $2) DESC, m.created_at DESC
		LIMIT $4`

	rows, err := s.q.QueryContext(ctx, query, creatorID, text, excludeExternalID, limit)
	if err != nil {
		return nil, models.UpstreamErrorf("lexical candidate search for creator %s: %v", creatorID, err)
	}
	candidates, err := s.scanCandidates(rows)
	if err != nil {
		return nil, models.UpstreamErrorf("lexical candidate search for creator %s: %v", creatorID, err)
	}
	return candidates, nil
}

func (s *PostgresStorage) NearestByVector(ctx context.Context, creatorID string, vec []float32, excludeMessageID string, limit int) ([]Candidate, error) {
	query := `
		SELECT m.id, cm.cluster_id, ` + targetHasEmbedding + `, 1 - (m.embedding <=> $2)` +
		candidateScope + `
		  AND m.id <> $3
		  AND m.embedding IS NOT NULL
		ORDER BY m.embedding <=> $2 ASC, m.created_at DESC
		LIMIT $4`

	rows, err := s.q.QueryContext(ctx, query, creatorID, pgvector.NewVector(vec), excludeMessageID, limit)
	if err != nil {
		return nil, models.UpstreamErrorf("vector candidate search for creator %s: %v", creatorID, err)
	}
	candidates, err := s.scanCandidates(rows)
	if err != nil {
		return nil, models.UpstreamErrorf("vector candidate search for creator %s: %v", creatorID, err)
	}
	return candidates, nil
}

func (s *PostgresStorage) CreateCluster(ctx context.Context, c *models.Cluster) error {
	query := `
		INSERT INTO clusters (id, creator_id, status, response_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.q.ExecContext(ctx, query, c.ID, c.CreatorID, c.Status, c.ResponseText, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return models.UpstreamErrorf("creating cluster %s: %v", c.ID, err)
	}
	return nil
}

func (s *PostgresStorage) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	var c models.Cluster
	err := s.q.QueryRowContext(ctx,
		`SELECT id, creator_id, status, response_text, created_at, updated_at
		 FROM clusters WHERE id = $1`, id).
		Scan(&c.ID, &c.CreatorID, &c.Status, &c.ResponseText, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundErrorf("cluster %s", id)
	}
	if err != nil {
		return nil, models.UpstreamErrorf("getting cluster %s: %v", id, err)
	}
	return &c, nil
}

func (s *PostgresStorage) ListClusters(ctx context.Context, creatorID string, status *models.ClusterStatus) ([]*models.Cluster, error) {
	query := `
		SELECT id, creator_id, status, response_text, created_at, updated_at
		FROM clusters
		WHERE creator_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY updated_at DESC`

	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.q.QueryContext(ctx, query, creatorID, statusArg)
	if err != nil {
		return nil, models.UpstreamErrorf("listing clusters for creator %s: %v", creatorID, err)
	}
	defer rows.Close()

	var clusters []*models.Cluster
	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(&c.ID, &c.CreatorID, &c.Status, &c.ResponseText, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, models.UpstreamErrorf("listing clusters for creator %s: %v", creatorID, err)
		}
		clusters = append(clusters, &c)
	}
	return clusters, rows.Err()
}

func (s *PostgresStorage) TouchCluster(ctx context.Context, id string, at time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE clusters SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return models.UpstreamErrorf("touching cluster %s: %v", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.NotFoundErrorf("cluster %s", id)
	}
	return nil
}

func (s *PostgresStorage) DeleteCluster(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return models.UpstreamErrorf("deleting cluster %s: %v", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.NotFoundErrorf("cluster %s", id)
	}
	return nil
}

func (s *PostgresStorage) AddMember(ctx context.Context, clusterID, messageID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO cluster_members (cluster_id, message_id, joined_at) VALUES ($1, $2, $3)`,
		clusterID, messageID, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return models.ConflictErrorf("message %s already belongs to a cluster", messageID)
			case "foreign_key_violation":
				return models.NotFoundErrorf("cluster %s or message %s", clusterID, messageID)
			}
		}
		return models.UpstreamErrorf("adding message %s to cluster %s: %v", messageID, clusterID, err)
	}
	return nil
}

func (s *PostgresStorage) RemoveMember(ctx context.Context, clusterID, messageID string) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM cluster_members WHERE cluster_id = $1 AND message_id = $2`,
		clusterID, messageID)
	if err != nil {
		return models.UpstreamErrorf("removing message %s from cluster %s: %v", messageID, clusterID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.NotFoundErrorf("membership of message %s in cluster %s", messageID, clusterID)
	}
	return nil
}

func (s *PostgresStorage) RemoveChannelMembers(ctx context.Context, clusterID, channelID, keepMessageID string) error {
	query := `
		DELETE FROM cluster_members cm
		USING messages m
		WHERE cm.cluster_id = $1
		  AND m.id = cm.message_id
		  AND m.channel_id = $2
		  AND cm.message_id <> $3`

	_, err := s.q.ExecContext(ctx, query, clusterID, channelID, keepMessageID)
	if err != nil {
		return models.UpstreamErrorf("superseding channel %s members in cluster %s: %v", channelID, clusterID, err)
	}
	return nil
}

func (s *PostgresStorage) RemoveAllMembers(ctx context.Context, clusterID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM cluster_members WHERE cluster_id = $1`, clusterID)
	if err != nil {
		return models.UpstreamErrorf("removing members of cluster %s: %v", clusterID, err)
	}
	return nil
}

func (s *PostgresStorage) ListMembers(ctx context.Context, clusterID string) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		JOIN cluster_members cm ON cm.message_id = messages.id
		WHERE cm.cluster_id = $1
		ORDER BY cm.joined_at ASC, messages.created_at ASC`

	rows, err := s.q.QueryContext(ctx, query, clusterID)
	if err != nil {
		return nil, models.UpstreamErrorf("listing members of cluster %s: %v", clusterID, err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, models.UpstreamErrorf("listing members of cluster %s: %v", clusterID, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStorage) CountMembers(ctx context.Context, clusterID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cluster_members WHERE cluster_id = $1`, clusterID).Scan(&n)
	if err != nil {
		return 0, models.UpstreamErrorf("counting members of cluster %s: %v", clusterID, err)
	}
	return n, nil
}

func (s *PostgresStorage) ClusterOfMessage(ctx context.Context, messageID string) (string, error) {
	var clusterID string
	err := s.q.QueryRowContext(ctx,
		`SELECT cluster_id FROM cluster_members WHERE message_id = $1`, messageID).Scan(&clusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", models.UpstreamErrorf("resolving cluster of message %s: %v", messageID, err)
	}
	return clusterID, nil
}

func (s *PostgresStorage) UpsertTemplate(ctx context.Context, creatorID, responseText string, emb []float32, at time.Time) (*models.ResponseTemplate, error) {
	query := `
		INSERT INTO response_templates (id, creator_id, question_embedding, response_text,
			usage_count, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (creator_id, response_text, question_embedding)
		DO UPDATE SET usage_count = response_templates.usage_count + 1, last_used_at = $5
		RETURNING id, usage_count, last_used_at, created_at`

	t := &models.ResponseTemplate{
		CreatorID:         creatorID,
		QuestionEmbedding: emb,
		ResponseText:      responseText,
	}
	err := s.q.QueryRowContext(ctx, query,
		uuid.NewString(), creatorID, pgvector.NewVector(emb), responseText, at).
		Scan(&t.ID, &t.UsageCount, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		return nil, models.UpstreamErrorf("upserting template for creator %s: %v", creatorID, err)
	}
	return t, nil
}

func (s *PostgresStorage) NearestTemplates(ctx context.Context, creatorID string, emb []float32, minSimilarity float64, limit int) ([]TemplateMatch, error) {
	query := `
		SELECT id, creator_id, question_embedding, response_text, usage_count,
			last_used_at, created_at, 1 - (question_embedding <=> $2) AS sim
		FROM response_templates
		WHERE creator_id = $1 AND 1 - (question_embedding <=> $2) > $3
		ORDER BY question_embedding <=> $2 ASC, usage_count DESC, last_used_at DESC
		LIMIT $4`

	rows, err := s.q.QueryContext(ctx, query, creatorID, pgvector.NewVector(emb), minSimilarity, limit)
	if err != nil {
		return nil, models.UpstreamErrorf("template search for creator %s: %v", creatorID, err)
	}
	defer rows.Close()

	var matches []TemplateMatch
	for rows.Next() {
		var t models.ResponseTemplate
		var vec pgvector.Vector
		var match TemplateMatch
		if err := rows.Scan(&t.ID, &t.CreatorID, &vec, &t.ResponseText, &t.UsageCount,
			&t.LastUsedAt, &t.CreatedAt, &match.Similarity); err != nil {
			return nil, models.UpstreamErrorf("template search for creator %s: %v", creatorID, err)
		}
		t.QuestionEmbedding = vec.Slice()
		match.Template = &t
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
