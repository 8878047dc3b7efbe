package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aihub/docrag/internal/models"
	"github.com/aihub/docrag/internal/services"
)

// DocService 控制器依赖的文档服务
type DocService interface {
	Ingest(ctx context.Context, urls []string) (*models.PipelineRun, error)
	IngestSitemap(ctx context.Context, sitemapURL string) (*models.PipelineRun, error)
	Search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error)
	Validate(ctx context.Context) (*models.ValidationReport, error)
	Stats(ctx context.Context) (*models.CollectionStats, error)
	Ingesting() bool
}

// IngestRequest 入库请求，urls 与 sitemap_url 二选一
type IngestRequest struct {
	URLs       []string `json:"urls"`
	SitemapURL string   `json:"sitemap_url"`
}

// DocsController 文档入库、验证与统计
// 路由注册时注入 Service，beego 会把导出字段复制到每个请求的控制器实例
type DocsController struct {
	BaseController
	Service DocService
}

// Ingest 同步执行一次入库并返回运行报告
func (c *DocsController) Ingest() {
	var req IngestRequest
	if err := c.decodeJSON(&req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	urls := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	sitemap := strings.TrimSpace(req.SitemapURL)
	if len(urls) == 0 && sitemap == "" {
		c.JSONError(http.StatusBadRequest, "urls or sitemap_url is required")
		return
	}

	ctx := c.Ctx.Request.Context()
	var (
		run *models.PipelineRun
		err error
	)
	if len(urls) > 0 {
		run, err = c.Service.Ingest(ctx, urls)
	} else {
		run, err = c.Service.IngestSitemap(ctx, sitemap)
	}
	if err != nil {
		if errors.Is(err, services.ErrIngestInProgress) {
			c.JSONError(http.StatusConflict, err.Error())
			return
		}
		c.JSONAppError(err, run)
		return
	}
	c.JSONSuccess(run)
}

// Validate 执行验证集
func (c *DocsController) Validate() {
	report, err := c.Service.Validate(c.Ctx.Request.Context())
	if err != nil {
		c.JSONAppError(err, nil)
		return
	}
	c.JSONSuccess(report)
}

// Stats 集合统计
func (c *DocsController) Stats() {
	stats, err := c.Service.Stats(c.Ctx.Request.Context())
	if err != nil {
		c.JSONAppError(err, nil)
		return
	}
	c.JSONSuccess(stats)
}
