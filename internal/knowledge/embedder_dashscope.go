package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aihub/docrag/internal/dashscope"
)

// 千问Embedding模型默认维度
var dashscopeEmbeddingDimensions = map[string]int{
	"text-embedding-v1": 1536,
	"text-embedding-v2": 1536,
	"text-embedding-v3": 1024, // 支持自定义维度
	"text-embedding-v4": 1024, // 支持自定义维度
}

// DashScopeEmbedder 使用阿里云DashScope Embedding API
// 入库使用 text_type=document，查询使用 text_type=query
type DashScopeEmbedder struct {
	service    *dashscope.Service
	model      string
	dimensions int
}

// NewDashScopeEmbedder 创建DashScope嵌入向量生成器
func NewDashScopeEmbedder(apiKey, baseURL, model string, dimensions int, timeout time.Duration) (*DashScopeEmbedder, error) {
	service := dashscope.NewService(apiKey, baseURL, timeout)
	if !service.Ready() {
		return nil, errors.New("dashscope service not initialized")
	}

	if model == "" {
		model = "text-embedding-v3"
	}
	if dimensions <= 0 {
		dims, ok := dashscopeEmbeddingDimensions[model]
		if !ok {
			dims = 1536
		}
		dimensions = dims
	}

	return &DashScopeEmbedder{
		service:    service,
		model:      model,
		dimensions: dimensions,
	}, nil
}

func (e *DashScopeEmbedder) Embed(ctx context.Context, texts []string, mode EmbedMode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := dashscope.EmbeddingRequest{
		Model:          e.model,
		Input:          texts,
		EncodingFormat: "float",
		TextType:       dashscope.TextTypeDocument,
	}
	if mode == EmbedModeQuery {
		req.TextType = dashscope.TextTypeQuery
	}
	// v3和v4模型可以指定维度
	if e.model == "text-embedding-v3" || e.model == "text-embedding-v4" {
		dims := e.dimensions
		req.Dimensions = &dims
	}

	resp, err := e.service.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d items for %d inputs", len(resp.Data), len(texts))
	}

	// 转换float64到float32，按 Index 还原输入顺序
	result := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		result[item.Index] = vec
	}
	return result, nil
}

func (e *DashScopeEmbedder) Model() string {
	return e.model
}

func (e *DashScopeEmbedder) Dimensions() int {
	return e.dimensions
}
