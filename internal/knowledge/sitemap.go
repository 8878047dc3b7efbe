package knowledge

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/aihub/docrag/internal/errors"
	"go.uber.org/zap"
)

// 站点地图中排除的路径
var excludedSitemapPaths = []string{"/search", "/tags/", "/blog/"}

// 嵌套 sitemapindex 的最大展开深度
const maxSitemapDepth = 2

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// DiscoverURLs 从站点地图中收集文档页面URL
// 只保留 /docs/ 下的页面，保持出现顺序并去重
func (e *Extractor) DiscoverURLs(ctx context.Context, sitemapURL string) ([]string, error) {
	seen := make(map[string]bool)
	var urls []string
	if err := e.discover(ctx, sitemapURL, 0, seen, &urls); err != nil {
		return nil, err
	}
	e.log.Info("sitemap discovered",
		zap.String("sitemap", sitemapURL),
		zap.Int("urls", len(urls)))
	return urls, nil
}

func (e *Extractor) discover(ctx context.Context, sitemapURL string, depth int, seen map[string]bool, out *[]string) error {
	body, err := e.fetchRaw(ctx, sitemapURL)
	if err != nil {
		return err
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		if depth >= maxSitemapDepth {
			return fmt.Errorf("sitemap %s nested too deep", sitemapURL)
		}
		for _, sm := range index.Sitemaps {
			if loc := strings.TrimSpace(sm.Loc); loc != "" {
				if err := e.discover(ctx, loc, depth+1, seen, out); err != nil {
					return err
				}
			}
		}
		return nil
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return apperrors.NewExtractionError(sitemapURL, fmt.Sprintf("parse sitemap: %v", err))
	}
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if !keepDocURL(loc) || seen[loc] {
			continue
		}
		seen[loc] = true
		*out = append(*out, loc)
	}
	return nil
}

func keepDocURL(loc string) bool {
	if loc == "" || !strings.Contains(loc, "/docs/") {
		return false
	}
	for _, excluded := range excludedSitemapPaths {
		if strings.Contains(loc, excluded) {
			return false
		}
	}
	return true
}

func (e *Extractor) fetchRaw(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperrors.NewFetchError(target, 0, err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.NewFetchError(target, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewFetchError(target, resp.StatusCode, nil)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
}
