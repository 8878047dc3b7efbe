package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/aihub/docrag/internal/models"
)

// SearchController 检索控制器
type SearchController struct {
	BaseController
	Service DocService
}

// Search 语义检索
// 参数: q, top_k, threshold, url_prefix, section
func (c *SearchController) Search() {
	query := strings.TrimSpace(c.GetString("q"))
	if query == "" {
		query = strings.TrimSpace(c.GetString("query"))
	}
	if query == "" {
		c.JSONError(http.StatusBadRequest, "query parameter q is required")
		return
	}

	req := models.SearchQuery{
		Text: query,
		Filter: models.SearchFilter{
			URLPrefix: c.GetString("url_prefix"),
			Section:   c.GetString("section"),
		},
	}

	if raw := c.GetString("top_k"); raw != "" {
		topK, err := strconv.Atoi(raw)
		if err != nil {
			c.JSONError(http.StatusBadRequest, "top_k must be an integer")
			return
		}
		req.TopK = topK
	}
	if raw := c.GetString("threshold"); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSONError(http.StatusBadRequest, "threshold must be a number")
			return
		}
		req.Threshold = &threshold
	}

	resp, err := c.Service.Search(c.Ctx.Request.Context(), req)
	if err != nil {
		c.JSONAppError(err, nil)
		return
	}
	c.JSONSuccess(resp)
}
