package knowledge

import (
	"context"
	"strings"
	"time"

	"github.com/aihub/docrag/internal/config"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/models"
	"go.uber.org/zap"
)

// DefaultGoldenQueries 机器人教程站点的默认验证集
var DefaultGoldenQueries = []models.GoldenQuery{
	{
		Query:              "What is inverse kinematics?",
		ExpectedURLPattern: "/docs/module1-ros2-fundamentals|/docs/module3-advanced-robotics",
		MinScore:           0.25,
	},
	{
		Query:              "How does robot arm control work?",
		ExpectedURLPattern: "/docs/module1-ros2-fundamentals/chapter3|/docs/module3-advanced-robotics/chapter8",
		MinScore:           0.4,
	},
	{
		Query:              "Explain sensor fusion techniques",
		ExpectedURLPattern: "/docs/module4-vla-systems|/docs/module1-ros2-fundamentals|/docs/module2-simulation",
		MinScore:           0.25,
	},
	{
		Query:              "What is motion planning for robots?",
		ExpectedURLPattern: "/docs/module1-ros2-fundamentals|/docs/module2-simulation|/docs/module3-advanced-robotics",
		MinScore:           0.4,
	},
	{
		Query:              "How do coordinate transforms work?",
		ExpectedURLPattern: "/docs/module1-ros2-fundamentals|/docs/introduction|/docs/module3-advanced-robotics",
		MinScore:           0.2,
	},
	{
		Query:    "What is the best pizza recipe?",
		MinScore: 0.3,
		Negative: true,
	},
}

// Searcher 检索接口
type Searcher interface {
	Search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error)
}

// Validator 验证集执行器，只读
type Validator struct {
	searcher Searcher
	store    *StoreManager
	queries  []models.GoldenQuery
	cfg      config.ValidationConfig
	log      *zap.Logger
}

// NewValidator 创建验证器，配置中没有验证集时使用默认集
func NewValidator(searcher Searcher, store *StoreManager, cfg config.ValidationConfig, log *zap.Logger) *Validator {
	if log == nil {
		log = logger.Named("validator")
	}
	queries := cfg.GoldenQueries
	if len(queries) == 0 {
		queries = DefaultGoldenQueries
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 100
	}
	return &Validator{
		searcher: searcher,
		store:    store,
		queries:  queries,
		cfg:      cfg,
		log:      log,
	}
}

// Run 执行验证集
func (v *Validator) Run(ctx context.Context) (*models.ValidationReport, error) {
	report := &models.ValidationReport{
		TotalQueries: len(v.queries),
		CheckedAt:    time.Now(),
		Outcomes:     make([]models.QueryOutcome, 0, len(v.queries)),
	}

	count, err := v.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	report.VectorCount = count

	if count == 0 {
		v.log.Warn("validation skipped, collection is empty")
		for _, q := range v.queries {
			report.Outcomes = append(report.Outcomes, outcomeFor(q, "collection is empty"))
		}
		report.FailedQueries = len(v.queries)
		return report, nil
	}

	completeness, err := v.metadataCompleteness(ctx)
	if err != nil {
		return nil, err
	}
	report.MetadataCompleteness = completeness

	positivePassed := 0
	report.NegativePassed = true
	for _, q := range v.queries {
		outcome := v.runQuery(ctx, q)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		report.Outcomes = append(report.Outcomes, outcome)

		if outcome.Passed {
			report.PassedQueries++
			if !q.Negative {
				positivePassed++
			}
		} else {
			report.FailedQueries++
			if q.Negative {
				report.NegativePassed = false
			}
		}
	}

	if report.TotalQueries > 0 {
		report.PassRate = float64(report.PassedQueries) / float64(report.TotalQueries)
	}
	report.Passed = positivePassed >= v.cfg.MinPassed && report.NegativePassed

	v.log.Info("validation completed",
		zap.Bool("passed", report.Passed),
		zap.Int("passed_queries", report.PassedQueries),
		zap.Int("total_queries", report.TotalQueries),
		zap.Int64("vector_count", count),
		zap.Float64("metadata_completeness", completeness))
	return report, nil
}

func outcomeFor(q models.GoldenQuery, errMsg string) models.QueryOutcome {
	return models.QueryOutcome{
		Query:              q.Query,
		ExpectedURLPattern: q.ExpectedURLPattern,
		MinScore:           q.MinScore,
		Negative:           q.Negative,
		Error:              errMsg,
	}
}

func (v *Validator) runQuery(ctx context.Context, q models.GoldenQuery) models.QueryOutcome {
	outcome := outcomeFor(q, "")

	threshold := 0.0
	resp, err := v.searcher.Search(ctx, models.SearchQuery{
		Text:      q.Query,
		TopK:      v.cfg.TopK,
		Threshold: &threshold,
	})
	if err != nil {
		outcome.Error = err.Error()
		v.log.Warn("golden query failed", zap.String("query", q.Query), zap.Error(err))
		return outcome
	}
	outcome.TopScore = resp.TopScore()

	if q.Negative {
		outcome.Passed = true
		for _, r := range resp.Results {
			if r.Score >= q.MinScore {
				outcome.Passed = false
				outcome.MatchedURL = r.Payload.SourceURL
				break
			}
		}
		return outcome
	}

	patterns := q.Patterns()
	for _, r := range resp.Results {
		if r.Score < q.MinScore {
			continue
		}
		for _, p := range patterns {
			if strings.Contains(r.Payload.SourceURL, p) {
				outcome.Passed = true
				outcome.MatchedURL = r.Payload.SourceURL
				return outcome
			}
		}
	}
	return outcome
}

// metadataCompleteness 抽样记录中六个字段都有效的比例
func (v *Validator) metadataCompleteness(ctx context.Context) (float64, error) {
	records, err := v.store.Sample(ctx, v.cfg.SampleSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	complete := 0
	for _, rec := range records {
		if rec.Payload.Complete() {
			complete++
		}
	}
	return float64(complete) / float64(len(records)), nil
}
