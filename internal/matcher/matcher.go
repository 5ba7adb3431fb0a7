// Package matcher decides whether an inbound message needs a response and
// whether it matches an existing open message, via a lexical-then-vector
// cascade.
package matcher

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/storage"
)

// Config carries the injected thresholds; none are compiled in.
type Config struct {
	LexicalThreshold   float64
	VectorThreshold    float64
	MinResponseLength  int
	NoResponsePatterns []string
	CandidateLimit     int
}

type Matcher struct {
	cfg      Config
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Matcher, error) {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 5
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.NoResponsePatterns))
	for _, p := range cfg.NoResponsePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling no-response pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Matcher{cfg: cfg, patterns: patterns, logger: logger}, nil
}

// NeedsResponse reports whether the text deserves a reply at all. Pure
// acknowledgements are filtered out before any persistence or embedding
// cost.
func (m *Matcher) NeedsResponse(text string) bool {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < m.cfg.MinResponseLength {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(trimmed) {
			return false
		}
	}
	return true
}

// BestLexical returns the top lexical candidate when it clears the lexical
// threshold, nil otherwise.
func (m *Matcher) BestLexical(ctx context.Context, store storage.Storage, creatorID, text, excludeExternalID string) (*storage.Candidate, error) {
	candidates, err := store.NearestByText(ctx, creatorID, text, excludeExternalID, m.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 || candidates[0].Similarity < m.cfg.LexicalThreshold {
		return nil, nil
	}
	best := candidates[0]
	m.logger.Debug("Lexical match accepted",
		zap.String("creator_id", creatorID),
		zap.String("matched_message_id", best.MessageID),
		zap.Float64("similarity", best.Similarity))
	return &best, nil
}

// BestVector returns the top semantic candidate when it clears the vector
// threshold, nil otherwise.
func (m *Matcher) BestVector(ctx context.Context, store storage.Storage, creatorID string, vec []float32, excludeMessageID string) (*storage.Candidate, error) {
	candidates, err := store.NearestByVector(ctx, creatorID, vec, excludeMessageID, m.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 || candidates[0].Similarity < m.cfg.VectorThreshold {
		return nil, nil
	}
	best := candidates[0]
	m.logger.Debug("Vector match accepted",
		zap.String("creator_id", creatorID),
		zap.String("matched_message_id", best.MessageID),
		zap.Float64("similarity", best.Similarity))
	return &best, nil
}
