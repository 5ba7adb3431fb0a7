package embedding

import (
	"context"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/models"
)

// OpenAIProvider generates embeddings through the OpenAI embeddings API.
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	logger     *zap.Logger
}

func NewOpenAIProvider(apiKey, model string, dimensions int, logger *zap.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		client:     openai.NewClient(apiKey),
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
		logger:     logger,
	}
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      p.model,
		Dimensions: p.dimensions,
	})
	if err != nil {
		p.logger.Error("Failed to create embedding",
			zap.Error(err),
			zap.String("model", string(p.model)))
		return nil, models.UpstreamErrorf("embedding text (model %s): %v", p.model, err)
	}
	if len(resp.Data) == 0 {
		return nil, models.UpstreamErrorf("embedding response empty (model %s)", p.model)
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}
