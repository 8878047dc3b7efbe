package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/models"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

const (
	milvusIDField     = "id"
	milvusVectorField = "vector"
)

var milvusOutputFields = []string{
	models.FieldSourceURL,
	models.FieldTitle,
	models.FieldSection,
	models.FieldChunkPosition,
	models.FieldChunkText,
	models.FieldContentHash,
}

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Database   string
	UseTLS     bool
	Collection string
	EfSearch   int
	Timeout    time.Duration
}

type milvusIndex struct {
	milvusClient client.Client
	collection   string
	efSearch     int
}

// NewMilvusIndex 创建Milvus向量索引
func NewMilvusIndex(opts MilvusOptions) (VectorIndex, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = 64
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("milvus collection name is required")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &milvusIndex{
		milvusClient: milvusClient,
		collection:   opts.Collection,
		efSearch:     opts.EfSearch,
	}, nil
}

func milvusMetric(value string) entity.MetricType {
	switch strings.ToUpper(value) {
	case "DOT", "IP", "INNER_PRODUCT":
		return entity.IP
	case "L2", "EUCLIDEAN":
		return entity.L2
	default:
		return entity.COSINE
	}
}

func quoteMilvus(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
}

func (s *milvusIndex) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if hasCollection {
		if err := s.verifyCollection(ctx, spec); err != nil {
			return err
		}
		return s.milvusClient.LoadCollection(ctx, s.collection, false)
	}

	schema := &entity.Schema{
		CollectionName: s.collection,
		Description:    "documentation chunks",
		Fields: []*entity.Field{
			{
				Name:       milvusIDField,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "64"},
			},
			{
				Name:     models.FieldSourceURL,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					entity.TypeParamMaxLength: "2048",
				},
			},
			{
				Name:       models.FieldTitle,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "1024"},
			},
			{
				Name:       models.FieldSection,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "256"},
			},
			{
				Name:     models.FieldChunkPosition,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       models.FieldChunkText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "65535"},
			},
			{
				Name:       models.FieldContentHash,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "64"},
			},
			{
				Name:     milvusVectorField,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					entity.TypeParamDim: strconv.Itoa(spec.Dimensions),
				},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	index, err := entity.NewIndexHNSW(milvusMetric(spec.Metric), spec.HNSWM, spec.HNSWEfConstruct)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := s.milvusClient.CreateIndex(ctx, s.collection, milvusVectorField, index, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := s.milvusClient.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("milvus collection created",
		zap.String("collection", s.collection),
		zap.Int("dimensions", spec.Dimensions))
	return nil
}

func (s *milvusIndex) verifyCollection(ctx context.Context, spec CollectionSpec) error {
	coll, err := s.milvusClient.DescribeCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to describe collection: %w", err)
	}

	dim := s.vectorDim(coll)
	if dim != spec.Dimensions {
		return apperrors.NewCollectionMismatchError(s.collection,
			fmt.Sprintf("dimension %d, expected %d", dim, spec.Dimensions))
	}

	indexes, err := s.milvusClient.DescribeIndex(ctx, s.collection, milvusVectorField)
	if err != nil || len(indexes) == 0 {
		return nil
	}
	metric := indexes[0].Params()["metric_type"]
	if metric != "" && !strings.EqualFold(metric, string(milvusMetric(spec.Metric))) {
		return apperrors.NewCollectionMismatchError(s.collection,
			fmt.Sprintf("metric %s, expected %s", metric, milvusMetric(spec.Metric)))
	}
	return nil
}

func (s *milvusIndex) vectorDim(coll *entity.Collection) int {
	if coll == nil || coll.Schema == nil {
		return 0
	}
	for _, field := range coll.Schema.Fields {
		if field.DataType == entity.FieldTypeFloatVector {
			dim, _ := strconv.Atoi(field.TypeParams[entity.TypeParamDim])
			return dim
		}
	}
	return 0
}

func (s *milvusIndex) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	dim := len(records[0].Vector)
	ids := make([]string, len(records))
	urls := make([]string, len(records))
	titles := make([]string, len(records))
	sections := make([]string, len(records))
	positions := make([]int64, len(records))
	texts := make([]string, len(records))
	hashes := make([]string, len(records))
	vectors := make([][]float32, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		urls[i] = rec.Payload.SourceURL
		titles[i] = rec.Payload.Title
		sections[i] = rec.Payload.Section
		positions[i] = int64(rec.Payload.ChunkPosition)
		texts[i] = rec.Payload.ChunkText
		hashes[i] = rec.Payload.ContentHash
		vectors[i] = rec.Vector
	}

	_, err := s.milvusClient.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(milvusIDField, ids),
		entity.NewColumnVarChar(models.FieldSourceURL, urls),
		entity.NewColumnVarChar(models.FieldTitle, titles),
		entity.NewColumnVarChar(models.FieldSection, sections),
		entity.NewColumnInt64(models.FieldChunkPosition, positions),
		entity.NewColumnVarChar(models.FieldChunkText, texts),
		entity.NewColumnVarChar(models.FieldContentHash, hashes),
		entity.NewColumnFloatVector(milvusVectorField, dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert failed: %w", err)
	}

	// 刷新失败不影响写入，只记录警告
	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("milvus flush failed", zap.String("collection", s.collection), zap.Error(err))
	}
	return nil
}

// likePrefix 转义 like 通配符，百分号编码的URL按字面匹配
func likePrefix(prefix string) string {
	prefix = strings.ReplaceAll(prefix, `\`, `\\`)
	prefix = strings.ReplaceAll(prefix, "%", `\%`)
	prefix = strings.ReplaceAll(prefix, "_", `\_`)
	return prefix + "%"
}

func milvusExpr(filter models.SearchFilter) string {
	var clauses []string
	if filter.URLPrefix != "" {
		clauses = append(clauses, fmt.Sprintf("%s like %s", models.FieldSourceURL, quoteMilvus(likePrefix(filter.URLPrefix))))
	}
	if filter.Section != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", models.FieldSection, quoteMilvus(filter.Section)))
	}
	return strings.Join(clauses, " && ")
}

func (s *milvusIndex) Search(ctx context.Context, req VectorSearchRequest) ([]models.ScoredRecord, error) {
	if len(req.Vector) == 0 {
		return nil, nil
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	ef := req.EfSearch
	if ef <= 0 {
		ef = s.efSearch
	}
	if ef < req.Limit {
		ef = req.Limit
	}

	sp, err := entity.NewIndexHNSWSearchParam(ef)
	if err != nil {
		return nil, err
	}
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{},
		milvusExpr(req.Filter),
		milvusOutputFields,
		[]entity.Vector{entity.FloatVector(req.Vector)},
		milvusVectorField,
		entity.COSINE,
		req.Limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(searchResults) == 0 {
		return []models.ScoredRecord{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", result.Err)
	}

	var ids []string
	if idCol, ok := result.IDs.(*entity.ColumnVarChar); ok {
		ids = idCol.Data()
	}
	payloads := milvusPayloads(result.Fields, result.ResultCount)

	results := make([]models.ScoredRecord, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		rec := models.ScoredRecord{Payload: payloads[i]}
		if i < len(ids) {
			rec.ID = ids[i]
		}
		if i < len(result.Scores) {
			rec.Score = float64(result.Scores[i])
		}
		if !matchesFilter(rec.Payload, req.Filter) {
			continue
		}
		results = append(results, rec)
	}
	return results, nil
}

// milvusPayloads 把列式结果还原为逐行元数据
func milvusPayloads(columns client.ResultSet, rows int) []models.Payload {
	payloads := make([]models.Payload, rows)
	for i := range payloads {
		payloads[i].ChunkPosition = -1
	}
	for _, column := range columns {
		switch col := column.(type) {
		case *entity.ColumnVarChar:
			data := col.Data()
			for i := 0; i < rows && i < len(data); i++ {
				switch col.Name() {
				case models.FieldSourceURL:
					payloads[i].SourceURL = data[i]
				case models.FieldTitle:
					payloads[i].Title = data[i]
				case models.FieldSection:
					payloads[i].Section = data[i]
				case models.FieldChunkText:
					payloads[i].ChunkText = data[i]
				case models.FieldContentHash:
					payloads[i].ContentHash = data[i]
				}
			}
		case *entity.ColumnInt64:
			if col.Name() != models.FieldChunkPosition {
				continue
			}
			data := col.Data()
			for i := 0; i < rows && i < len(data); i++ {
				payloads[i].ChunkPosition = int(data[i])
			}
		}
	}
	return payloads
}

func (s *milvusIndex) query(ctx context.Context, expr string, fields []string, limit int64) (client.ResultSet, error) {
	opts := []client.SearchQueryOptionFunc{client.WithSearchQueryConsistencyLevel(entity.ClStrong)}
	if limit > 0 {
		opts = append(opts, client.WithLimit(limit))
	}
	return s.milvusClient.Query(ctx, s.collection, []string{}, expr, fields, opts...)
}

func (s *milvusIndex) FetchFingerprint(ctx context.Context, sourceURL string) (string, bool, error) {
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil || !hasCollection {
		return "", false, err
	}

	expr := fmt.Sprintf("%s == %s && %s == 0", models.FieldSourceURL, quoteMilvus(sourceURL), models.FieldChunkPosition)
	rs, err := s.query(ctx, expr, []string{models.FieldContentHash}, 1)
	if err != nil {
		return "", false, fmt.Errorf("milvus query failed: %w", err)
	}
	col, ok := rs.GetColumn(models.FieldContentHash).(*entity.ColumnVarChar)
	if !ok || len(col.Data()) == 0 {
		return "", false, nil
	}
	return col.Data()[0], true, nil
}

func (s *milvusIndex) DeleteFromPosition(ctx context.Context, sourceURL string, position int) (int, error) {
	expr := fmt.Sprintf("%s == %s && %s >= %d", models.FieldSourceURL, quoteMilvus(sourceURL), models.FieldChunkPosition, position)
	rs, err := s.query(ctx, expr, []string{milvusIDField}, 0)
	if err != nil {
		return 0, fmt.Errorf("milvus query failed: %w", err)
	}
	col, ok := rs.GetColumn(milvusIDField).(*entity.ColumnVarChar)
	if !ok || len(col.Data()) == 0 {
		return 0, nil
	}

	if err := s.milvusClient.Delete(ctx, s.collection, "", expr); err != nil {
		return 0, fmt.Errorf("milvus delete failed: %w", err)
	}
	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("milvus flush after delete failed", zap.Error(err))
	}
	return len(col.Data()), nil
}

func (s *milvusIndex) Count(ctx context.Context) (int64, error) {
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil || !hasCollection {
		return 0, err
	}
	stats, err := s.milvusClient.GetCollectionStatistics(ctx, s.collection)
	if err != nil {
		return 0, fmt.Errorf("milvus statistics failed: %w", err)
	}
	return strconv.ParseInt(stats["row_count"], 10, 64)
}

func (s *milvusIndex) Sample(ctx context.Context, limit int) ([]models.VectorRecord, error) {
	fields := append([]string{milvusIDField, milvusVectorField}, milvusOutputFields...)
	rs, err := s.query(ctx, fmt.Sprintf("%s != \"\"", milvusIDField), fields, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("milvus query failed: %w", err)
	}

	idCol, ok := rs.GetColumn(milvusIDField).(*entity.ColumnVarChar)
	if !ok {
		return nil, nil
	}
	ids := idCol.Data()
	payloads := milvusPayloads(rs, len(ids))
	var vectors [][]float32
	if vecCol, ok := rs.GetColumn(milvusVectorField).(*entity.ColumnFloatVector); ok {
		vectors = vecCol.Data()
	}

	records := make([]models.VectorRecord, len(ids))
	for i, id := range ids {
		records[i] = models.VectorRecord{ID: id, Payload: payloads[i]}
		if i < len(vectors) {
			records[i].Vector = vectors[i]
		}
	}
	return records, nil
}

func (s *milvusIndex) Describe(ctx context.Context) (*models.CollectionStats, error) {
	stats := &models.CollectionStats{
		Collection:  s.collection,
		Provider:    "milvus",
		IndexStatus: "missing",
	}
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil || !hasCollection {
		return stats, err
	}

	coll, err := s.milvusClient.DescribeCollection(ctx, s.collection)
	if err != nil {
		return stats, err
	}
	stats.Dimensions = s.vectorDim(coll)
	stats.IndexStatus = "not_loaded"
	if coll.Loaded {
		stats.IndexStatus = "loaded"
	}
	if indexes, err := s.milvusClient.DescribeIndex(ctx, s.collection, milvusVectorField); err == nil && len(indexes) > 0 {
		stats.Metric = strings.ToLower(indexes[0].Params()["metric_type"])
	}
	if count, err := s.Count(ctx); err == nil {
		stats.VectorCount = count
	}
	return stats, nil
}

func (s *milvusIndex) Close() error {
	return s.milvusClient.Close()
}
