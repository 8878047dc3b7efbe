package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
	"github.com/google/uuid"
)

// Qdrant 中额外保存的URL分段前缀，用于服务端前缀过滤
const qdrantPrefixField = "url_prefixes"

// 每次写入的点数
const qdrantUpsertBatch = 128

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint   string
	APIKey     string
	Collection string
	UseTLS     bool
	Timeout    time.Duration
}

type qdrantIndex struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	collection string
}

// NewQdrantIndex 创建Qdrant向量索引
func NewQdrantIndex(opts QdrantOptions) (VectorIndex, error) {
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &qdrantIndex{
		client: &http.Client{
			Timeout: timeout,
		},
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:     opts.APIKey,
		collection: opts.Collection,
	}, nil
}

func formatDistance(value string) string {
	switch strings.ToLower(value) {
	case "dot", "dotproduct":
		return "Dot"
	case "euclid", "l2":
		return "Euclid"
	default:
		return "Cosine"
	}
}

// qdrantPointID 32位十六进制ID转换为Qdrant接受的UUID格式
func qdrantPointID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("invalid point id %q: %w", id, err)
	}
	return parsed.String(), nil
}

func chunkIDFromPoint(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return strings.ReplaceAll(v, "-", "")
	case float64:
		return fmt.Sprintf("%d", uint64(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

type qdrantCollectionInfo struct {
	Result struct {
		Status      string `json:"status"`
		PointsCount *int64 `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors json.RawMessage `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

type qdrantVectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

// getCollection 读取集合信息，集合不存在时返回 nil
func (s *qdrantIndex) getCollection(ctx context.Context) (*qdrantCollectionInfo, error) {
	resp, err := s.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", s.collection), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if err := checkQdrantResponse(resp); err != nil {
		return nil, err
	}

	var info qdrantCollectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *qdrantIndex) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	info, err := s.getCollection(ctx)
	if err != nil {
		return err
	}
	if info != nil {
		var params qdrantVectorParams
		if err := json.Unmarshal(info.Result.Config.Params.Vectors, &params); err != nil {
			return apperrors.NewCollectionMismatchError(s.collection, "unsupported vector configuration (named vectors)")
		}
		if params.Size != spec.Dimensions {
			return apperrors.NewCollectionMismatchError(s.collection,
				fmt.Sprintf("dimension %d, expected %d", params.Size, spec.Dimensions))
		}
		if params.Distance != formatDistance(spec.Metric) {
			return apperrors.NewCollectionMismatchError(s.collection,
				fmt.Sprintf("distance %s, expected %s", params.Distance, formatDistance(spec.Metric)))
		}
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     spec.Dimensions,
			"distance": formatDistance(spec.Metric),
		},
		"hnsw_config": map[string]interface{}{
			"m":            spec.HNSWM,
			"ef_construct": spec.HNSWEfConstruct,
		},
	}
	resp, err := s.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", s.collection), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkQdrantResponse(resp); err != nil {
		return fmt.Errorf("create collection %s failed: %w", s.collection, err)
	}

	fields := append(append([]string{}, spec.PayloadIndexes...), qdrantPrefixField)
	for _, field := range fields {
		if err := s.createPayloadIndex(ctx, field, "keyword"); err != nil {
			return err
		}
	}
	return s.createPayloadIndex(ctx, models.FieldChunkPosition, "integer")
}

func (s *qdrantIndex) createPayloadIndex(ctx context.Context, field, schema string) error {
	body := map[string]interface{}{
		"field_name":   field,
		"field_schema": schema,
	}
	resp, err := s.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/index?wait=true", s.collection), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkQdrantResponse(resp); err != nil {
		return fmt.Errorf("create payload index %s failed: %w", field, err)
	}
	return nil
}

func (s *qdrantIndex) Upsert(ctx context.Context, records []models.VectorRecord) error {
	for start := 0; start < len(records); start += qdrantUpsertBatch {
		end := start + qdrantUpsertBatch
		if end > len(records) {
			end = len(records)
		}

		points := make([]map[string]interface{}, 0, end-start)
		for _, rec := range records[start:end] {
			pointID, err := qdrantPointID(rec.ID)
			if err != nil {
				return err
			}
			payload := rec.Payload.ToMap()
			payload[qdrantPrefixField] = urlPrefixes(rec.Payload.SourceURL)
			points = append(points, map[string]interface{}{
				"id":      pointID,
				"vector":  rec.Vector,
				"payload": payload,
			})
		}

		resp, err := s.doRequest(ctx, http.MethodPut,
			fmt.Sprintf("/collections/%s/points?wait=true", s.collection),
			map[string]interface{}{"points": points})
		if err != nil {
			return err
		}
		err = checkQdrantResponse(resp)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("qdrant upsert failed: %w", err)
		}
	}
	return nil
}

func qdrantFilter(filter models.SearchFilter) map[string]interface{} {
	var must []map[string]interface{}
	if filter.URLPrefix != "" {
		if prefix := segmentPrefix(filter.URLPrefix); prefix != "" {
			must = append(must, map[string]interface{}{
				"key":   qdrantPrefixField,
				"match": map[string]interface{}{"value": prefix},
			})
		}
	}
	if filter.Section != "" {
		must = append(must, map[string]interface{}{
			"key":   models.FieldSection,
			"match": map[string]interface{}{"value": filter.Section},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]interface{}{"must": must}
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float32              `json:"vector"`
}

func (s *qdrantIndex) Search(ctx context.Context, req VectorSearchRequest) ([]models.ScoredRecord, error) {
	if len(req.Vector) == 0 {
		return nil, nil
	}
	if req.Limit == 0 {
		req.Limit = 10
	}

	// 前缀不在 / 处结束时服务端只能按路径段粗筛
	// 按页多取并在客户端复核，直到凑满 Limit 或服务端没有更多结果
	pageSize := req.Limit
	recheck := req.Filter.URLPrefix != "" && !strings.HasSuffix(req.Filter.URLPrefix, "/")
	if recheck {
		pageSize = req.Limit * 4
	}

	body := map[string]interface{}{
		"vector":       req.Vector,
		"limit":        pageSize,
		"with_payload": true,
		"with_vector":  false,
	}
	if filter := qdrantFilter(req.Filter); filter != nil {
		body["filter"] = filter
	}
	if req.EfSearch > 0 {
		body["params"] = map[string]interface{}{"hnsw_ef": req.EfSearch}
	}

	results := make([]models.ScoredRecord, 0, req.Limit)
	for offset := 0; ; offset += pageSize {
		if offset > 0 {
			body["offset"] = offset
		}
		page, err := s.searchPage(ctx, body)
		if err != nil {
			return nil, err
		}
		for _, item := range page {
			payload := models.PayloadFromMap(item.Payload)
			if !matchesFilter(payload, req.Filter) {
				continue
			}
			results = append(results, models.ScoredRecord{
				ID:      chunkIDFromPoint(item.ID),
				Score:   item.Score,
				Payload: payload,
			})
			if len(results) == req.Limit {
				return results, nil
			}
		}
		if !recheck || len(page) < pageSize {
			return results, nil
		}
	}
}

func (s *qdrantIndex) searchPage(ctx context.Context, body map[string]interface{}) ([]qdrantPoint, error) {
	resp, err := s.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", s.collection), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkQdrantResponse(resp); err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	var searchResp struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, err
	}
	return searchResp.Result, nil
}

// scroll 按过滤条件翻页读取点
func (s *qdrantIndex) scroll(ctx context.Context, filter map[string]interface{}, limit int, withVector bool) ([]qdrantPoint, error) {
	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  withVector,
	}
	if filter != nil {
		body["filter"] = filter
	}

	resp, err := s.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/scroll", s.collection), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkQdrantResponse(resp); err != nil {
		return nil, fmt.Errorf("qdrant scroll failed: %w", err)
	}

	var scrollResp struct {
		Result struct {
			Points []qdrantPoint `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&scrollResp); err != nil {
		return nil, err
	}
	return scrollResp.Result.Points, nil
}

func documentFilter(sourceURL string, extra ...map[string]interface{}) map[string]interface{} {
	must := []map[string]interface{}{
		{
			"key":   models.FieldSourceURL,
			"match": map[string]interface{}{"value": sourceURL},
		},
	}
	must = append(must, extra...)
	return map[string]interface{}{"must": must}
}

func (s *qdrantIndex) FetchFingerprint(ctx context.Context, sourceURL string) (string, bool, error) {
	points, err := s.scroll(ctx, documentFilter(sourceURL, map[string]interface{}{
		"key":   models.FieldChunkPosition,
		"match": map[string]interface{}{"value": 0},
	}), 1, false)
	if err != nil {
		return "", false, err
	}
	if len(points) == 0 {
		return "", false, nil
	}
	hash, _ := points[0].Payload[models.FieldContentHash].(string)
	return hash, hash != "", nil
}

func (s *qdrantIndex) DeleteFromPosition(ctx context.Context, sourceURL string, position int) (int, error) {
	filter := documentFilter(sourceURL, map[string]interface{}{
		"key":   models.FieldChunkPosition,
		"range": map[string]interface{}{"gte": position},
	})

	count, err := s.count(ctx, filter)
	if err != nil || count == 0 {
		return 0, err
	}

	resp, err := s.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", s.collection),
		map[string]interface{}{"filter": filter})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkQdrantResponse(resp); err != nil {
		return 0, fmt.Errorf("qdrant delete failed: %w", err)
	}
	return int(count), nil
}

func (s *qdrantIndex) count(ctx context.Context, filter map[string]interface{}) (int64, error) {
	body := map[string]interface{}{"exact": true}
	if filter != nil {
		body["filter"] = filter
	}
	resp, err := s.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", s.collection), body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if err := checkQdrantResponse(resp); err != nil {
		return 0, fmt.Errorf("qdrant count failed: %w", err)
	}

	var countResp struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&countResp); err != nil {
		return 0, err
	}
	return countResp.Result.Count, nil
}

func (s *qdrantIndex) Count(ctx context.Context) (int64, error) {
	return s.count(ctx, nil)
}

func (s *qdrantIndex) Sample(ctx context.Context, limit int) ([]models.VectorRecord, error) {
	points, err := s.scroll(ctx, nil, limit, true)
	if err != nil {
		return nil, err
	}
	records := make([]models.VectorRecord, 0, len(points))
	for _, p := range points {
		records = append(records, models.VectorRecord{
			ID:      chunkIDFromPoint(p.ID),
			Vector:  p.Vector,
			Payload: models.PayloadFromMap(p.Payload),
		})
	}
	return records, nil
}

func (s *qdrantIndex) Describe(ctx context.Context) (*models.CollectionStats, error) {
	stats := &models.CollectionStats{
		Collection:  s.collection,
		Provider:    "qdrant",
		IndexStatus: "missing",
	}
	info, err := s.getCollection(ctx)
	if err != nil || info == nil {
		return stats, err
	}

	var params qdrantVectorParams
	if err := json.Unmarshal(info.Result.Config.Params.Vectors, &params); err == nil {
		stats.Dimensions = params.Size
		stats.Metric = strings.ToLower(params.Distance)
	}
	stats.IndexStatus = info.Result.Status
	if info.Result.PointsCount != nil {
		stats.VectorCount = *info.Result.PointsCount
	} else if count, err := s.Count(ctx); err == nil {
		stats.VectorCount = count
	}
	return stats, nil
}

func (s *qdrantIndex) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func checkQdrantResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apperrors.StatusError{Service: "qdrant", StatusCode: resp.StatusCode, Body: string(raw)}
}

func (s *qdrantIndex) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	return s.client.Do(req)
}
