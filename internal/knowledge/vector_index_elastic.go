package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticOptions Elasticsearch配置
type ElasticOptions struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Index     string
}

// elasticIndex 基于 dense_vector 的向量索引
type elasticIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticIndex 创建ES向量索引
func NewElasticIndex(opts ElasticOptions) (VectorIndex, error) {
	if len(opts.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses are required")
	}
	if opts.Index == "" {
		return nil, fmt.Errorf("elasticsearch index name is required")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
	})
	if err != nil {
		return nil, err
	}

	return &elasticIndex{
		client: client,
		index:  opts.Index,
	}, nil
}

func esResponseError(resp *esapi.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apperrors.StatusError{Service: "elasticsearch", StatusCode: resp.StatusCode, Body: string(raw)}
}

func (e *elasticIndex) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	req := esapi.IndicesExistsRequest{
		Index: []string{e.index},
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode == 200 {
		return e.verifyMapping(ctx, spec)
	}

	properties := map[string]interface{}{
		"vector": map[string]interface{}{
			"type":       "dense_vector",
			"dims":       spec.Dimensions,
			"index":      true,
			"similarity": "cosine",
			"index_options": map[string]interface{}{
				"type":            "hnsw",
				"m":               spec.HNSWM,
				"ef_construction": spec.HNSWEfConstruct,
			},
		},
		models.FieldChunkPosition: map[string]interface{}{"type": "integer"},
		models.FieldChunkText:     map[string]interface{}{"type": "text"},
		models.FieldContentHash:   map[string]interface{}{"type": "keyword"},
	}
	for _, field := range []string{models.FieldSourceURL, models.FieldSection, models.FieldTitle} {
		properties[field] = map[string]interface{}{"type": "keyword"}
	}
	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": properties,
		},
	}

	body, _ := json.Marshal(mapping)
	createReq := esapi.IndicesCreateRequest{
		Index: e.index,
		Body:  bytes.NewReader(body),
	}
	createResp, err := createReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		return fmt.Errorf("create index error: %w", esResponseError(createResp))
	}
	return nil
}

type esVectorMapping struct {
	Dims       int    `json:"dims"`
	Similarity string `json:"similarity"`
}

func (e *elasticIndex) vectorMapping(ctx context.Context) (*esVectorMapping, error) {
	req := esapi.IndicesGetMappingRequest{Index: []string{e.index}}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, esResponseError(resp)
	}

	var result map[string]struct {
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	for _, idx := range result {
		raw, ok := idx.Mappings.Properties["vector"]
		if !ok {
			return &esVectorMapping{}, nil
		}
		var mapping esVectorMapping
		if err := json.Unmarshal(raw, &mapping); err != nil {
			return nil, err
		}
		return &mapping, nil
	}
	return nil, nil
}

func (e *elasticIndex) verifyMapping(ctx context.Context, spec CollectionSpec) error {
	mapping, err := e.vectorMapping(ctx)
	if err != nil {
		return err
	}
	if mapping == nil {
		return nil
	}
	if mapping.Dims != spec.Dimensions {
		return apperrors.NewCollectionMismatchError(e.index,
			fmt.Sprintf("dimension %d, expected %d", mapping.Dims, spec.Dimensions))
	}
	if mapping.Similarity != "" && !strings.EqualFold(mapping.Similarity, spec.Metric) {
		return apperrors.NewCollectionMismatchError(e.index,
			fmt.Sprintf("similarity %s, expected %s", mapping.Similarity, spec.Metric))
	}
	return nil
}

func (e *elasticIndex) Upsert(ctx context.Context, records []models.VectorRecord) error {
	for _, rec := range records {
		doc := rec.Payload.ToMap()
		doc["vector"] = rec.Vector

		payload, _ := json.Marshal(doc)
		req := esapi.IndexRequest{
			Index:      e.index,
			DocumentID: rec.ID,
			Body:       bytes.NewReader(payload),
		}
		resp, err := req.Do(ctx, e.client)
		if err != nil {
			return err
		}
		if resp.IsError() {
			err = fmt.Errorf("index chunk error: %w", esResponseError(resp))
		}
		resp.Body.Close()
		if err != nil {
			return err
		}
	}
	return e.refresh(ctx)
}

func (e *elasticIndex) refresh(ctx context.Context) error {
	req := esapi.IndicesRefreshRequest{Index: []string{e.index}}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("refresh error: %w", esResponseError(resp))
	}
	return nil
}

func esFilter(filter models.SearchFilter) []interface{} {
	var clauses []interface{}
	if filter.URLPrefix != "" {
		clauses = append(clauses, map[string]interface{}{
			"prefix": map[string]interface{}{models.FieldSourceURL: filter.URLPrefix},
		})
	}
	if filter.Section != "" {
		clauses = append(clauses, map[string]interface{}{
			"term": map[string]interface{}{models.FieldSection: filter.Section},
		})
	}
	return clauses
}

type esHit struct {
	ID     string                 `json:"_id"`
	Score  float64                `json:"_score"`
	Source map[string]interface{} `json:"_source"`
}

func (e *elasticIndex) search(ctx context.Context, body map[string]interface{}) ([]esHit, error) {
	payload, _ := json.Marshal(body)
	searchReq := esapi.SearchRequest{
		Index: []string{e.index},
		Body:  bytes.NewReader(payload),
	}
	resp, err := searchReq.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search error: %w", esResponseError(resp))
	}

	var result struct {
		Hits struct {
			Hits []esHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Hits.Hits, nil
}

func (e *elasticIndex) Search(ctx context.Context, req VectorSearchRequest) ([]models.ScoredRecord, error) {
	if len(req.Vector) == 0 {
		return nil, nil
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	candidates := req.EfSearch
	if candidates < req.Limit*10 {
		candidates = req.Limit * 10
	}

	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   req.Vector,
		"k":              req.Limit,
		"num_candidates": candidates,
	}
	if filter := esFilter(req.Filter); len(filter) > 0 {
		knn["filter"] = filter
	}

	hits, err := e.search(ctx, map[string]interface{}{
		"size":    req.Limit,
		"knn":     knn,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	})
	if err != nil {
		return nil, err
	}

	results := make([]models.ScoredRecord, 0, len(hits))
	for _, hit := range hits {
		payload := models.PayloadFromMap(hit.Source)
		if !matchesFilter(payload, req.Filter) {
			continue
		}
		results = append(results, models.ScoredRecord{
			ID: hit.ID,
			// cosine 相似度在ES中以 (1+cos)/2 计分，这里还原
			Score:   2*hit.Score - 1,
			Payload: payload,
		})
	}
	return results, nil
}

func (e *elasticIndex) FetchFingerprint(ctx context.Context, sourceURL string) (string, bool, error) {
	hits, err := e.search(ctx, map[string]interface{}{
		"size": 1,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{models.FieldSourceURL: sourceURL}},
					map[string]interface{}{"term": map[string]interface{}{models.FieldChunkPosition: 0}},
				},
			},
		},
		"_source": []string{models.FieldContentHash},
	})
	if err != nil || len(hits) == 0 {
		return "", false, err
	}
	hash, _ := hits[0].Source[models.FieldContentHash].(string)
	return hash, hash != "", nil
}

func (e *elasticIndex) DeleteFromPosition(ctx context.Context, sourceURL string, position int) (int, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{models.FieldSourceURL: sourceURL}},
					map[string]interface{}{"range": map[string]interface{}{models.FieldChunkPosition: map[string]interface{}{"gte": position}}},
				},
			},
		},
	}

	refresh := true
	body, _ := json.Marshal(query)
	req := esapi.DeleteByQueryRequest{
		Index:   []string{e.index},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return 0, nil
	}
	if resp.IsError() {
		return 0, fmt.Errorf("delete stale chunks error: %w", esResponseError(resp))
	}

	var result struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

func (e *elasticIndex) Count(ctx context.Context) (int64, error) {
	req := esapi.CountRequest{Index: []string{e.index}}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return 0, nil
	}
	if resp.IsError() {
		return 0, esResponseError(resp)
	}

	var result struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (e *elasticIndex) Sample(ctx context.Context, limit int) ([]models.VectorRecord, error) {
	hits, err := e.search(ctx, map[string]interface{}{
		"size":  limit,
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
	})
	if err != nil {
		return nil, err
	}

	records := make([]models.VectorRecord, 0, len(hits))
	for _, hit := range hits {
		rec := models.VectorRecord{ID: hit.ID, Payload: models.PayloadFromMap(hit.Source)}
		if raw, ok := hit.Source["vector"].([]interface{}); ok {
			rec.Vector = make([]float32, len(raw))
			for i, v := range raw {
				f, _ := v.(float64)
				rec.Vector[i] = float32(f)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (e *elasticIndex) Describe(ctx context.Context) (*models.CollectionStats, error) {
	stats := &models.CollectionStats{
		Collection:  e.index,
		Provider:    "elasticsearch",
		IndexStatus: "missing",
	}
	mapping, err := e.vectorMapping(ctx)
	if err != nil || mapping == nil {
		return stats, err
	}
	stats.Dimensions = mapping.Dims
	stats.Metric = strings.ToLower(mapping.Similarity)
	stats.IndexStatus = "ready"
	if count, err := e.Count(ctx); err == nil {
		stats.VectorCount = count
	}
	return stats, nil
}

func (e *elasticIndex) Close() error {
	return nil
}
