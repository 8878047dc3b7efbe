package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/aihub/docrag/internal/errors"
	openai "github.com/sashabaranov/go-openai"
)

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder 使用OpenAI Embedding API，不区分入库与查询模式
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	// 仅 text-embedding-3 系列支持自定义维度
	customDims bool
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器，dimensions 为0时使用模型默认维度
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions int) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}

	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	native, ok := embeddingDimensions[model]
	if !ok {
		native = 1536
	}
	if dimensions <= 0 {
		dimensions = native
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
		customDims: strings.HasPrefix(model, "text-embedding-3") && dimensions != native,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string, _ EmbedMode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	}
	if e.customDims {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d items for %d inputs", len(resp.Data), len(texts))
	}

	// 按 Index 还原输入顺序
	result := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		copy(vec, item.Embedding)
		result[item.Index] = vec
	}
	return result, nil
}

func (e *OpenAIEmbedder) Model() string {
	return e.model
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// translateOpenAIError 把HTTP状态码带出来，便于重试判断
func translateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return fmt.Errorf("openai embeddings: %w", &apperrors.StatusError{
			Service:    "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Body:       apiErr.Message,
		})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return fmt.Errorf("openai embeddings: %w", &apperrors.StatusError{
			Service:    "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Body:       reqErr.Error(),
		})
	}
	return fmt.Errorf("openai embeddings: %w", err)
}
