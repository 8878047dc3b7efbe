package knowledge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aihub/docrag/internal/config"
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxPageBytes = 10 << 20

// Extraction 页面抽取结果
type Extraction struct {
	URL     string
	Title   string
	Section string
	Text    string
	// TooShort 正文不足最小长度，编排器据此跳过
	TooShort bool
}

// containerSelector 正文容器选择规则
type containerSelector struct {
	tag           atom.Atom
	classToken    string
	classContains string
}

// 正文容器，按优先级依次匹配
var contentSelectors = []containerSelector{
	{tag: atom.Article, classToken: "markdown"},
	{tag: atom.Main, classContains: "docMainContainer"},
	{tag: atom.Div, classContains: "theme-doc-markdown"},
	{tag: atom.Main},
	{tag: atom.Article},
}

// 整棵子树丢弃的导航类元素
var droppedTags = map[atom.Atom]bool{
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
}

var droppedClasses = []string{"pagination-nav", "theme-doc-sidebar-container"}

var blockTags = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.Header: true, atom.Ul: true, atom.Ol: true, atom.Table: true, atom.Tr: true,
	atom.Blockquote: true, atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Figure: true,
	atom.H1: true, atom.H5: true, atom.H6: true, atom.Details: true, atom.Summary: true,
}

var headingPrefixes = map[atom.Atom]string{
	atom.H2: "## ",
	atom.H3: "### ",
	atom.H4: "#### ",
}

// Extractor 抓取文档页面并抽取结构化正文
type Extractor struct {
	client        *http.Client
	minTextLength int
	userAgent     string
	log           *zap.Logger
}

// NewExtractor 创建抽取器，client 为空时按配置超时新建
func NewExtractor(cfg config.ExtractorConfig, client *http.Client, log *zap.Logger) *Extractor {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = logger.Named("extractor")
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "docrag-ingest/1.0"
	}
	return &Extractor{
		client:        client,
		minTextLength: cfg.MinTextLength,
		userAgent:     userAgent,
		log:           log,
	}
}

// Extract 抓取并抽取页面
func (e *Extractor) Extract(ctx context.Context, pageURL string) (*Extraction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, apperrors.NewFetchError(pageURL, 0, err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.NewFetchError(pageURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, apperrors.NewFetchError(pageURL, resp.StatusCode, nil)
	}

	extraction, err := e.Parse(pageURL, io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}

	e.log.Debug("page extracted",
		zap.String("url", pageURL),
		zap.String("title", extraction.Title),
		zap.String("section", extraction.Section),
		zap.Int("chars", utf8.RuneCountInString(extraction.Text)),
		zap.Bool("too_short", extraction.TooShort))
	return extraction, nil
}

// Parse 从HTML中抽取正文，不做网络访问
func (e *Extractor) Parse(pageURL string, body io.Reader) (*Extraction, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, apperrors.NewExtractionError(pageURL, fmt.Sprintf("parse html: %v", err))
	}

	container := findContainer(doc)
	if container == nil {
		return nil, apperrors.NewExtractionError(pageURL, "no content container found")
	}

	r := &blockRenderer{}
	r.render(container)
	r.flush()
	text := strings.Join(r.blocks, "\n\n")

	return &Extraction{
		URL:      pageURL,
		Title:    pageTitle(doc),
		Section:  SectionFromURL(pageURL),
		Text:     text,
		TooShort: utf8.RuneCountInString(text) < e.minTextLength,
	}, nil
}

// SectionFromURL 取路径中 docs 之后的第一段，没有则为 general
func SectionFromURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "general"
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, segment := range segments {
		if segment == "docs" && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return "general"
}

func pageTitle(doc *html.Node) string {
	if n := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Title }); n != nil {
		title := collapseSpaces(textContent(n))
		if idx := strings.Index(title, " | "); idx >= 0 {
			title = strings.TrimSpace(title[:idx])
		}
		if title != "" {
			return title
		}
	}
	if n := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.H1 }); n != nil {
		if title := collapseSpaces(textContent(n)); title != "" {
			return title
		}
	}
	return "Untitled"
}

func findContainer(doc *html.Node) *html.Node {
	for _, sel := range contentSelectors {
		sel := sel
		if n := findFirst(doc, func(n *html.Node) bool { return sel.matches(n) }); n != nil {
			return n
		}
	}
	return nil
}

func (s containerSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom != s.tag {
		return false
	}
	class := attr(n, "class")
	if s.classToken != "" {
		found := false
		for _, token := range strings.Fields(class) {
			if token == s.classToken {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.classContains != "" && !strings.Contains(class, s.classContains) {
		return false
	}
	return true
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func dropped(n *html.Node) bool {
	if droppedTags[n.DataAtom] {
		return true
	}
	class := attr(n, "class")
	for _, c := range droppedClasses {
		if strings.Contains(class, c) {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.DataAtom == atom.Br {
			b.WriteByte('\n')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// blockRenderer 把DOM渲染为保留结构的纯文本
// 标题输出为 ## 行，代码块输出为 ``` 围栏，块之间空一行
type blockRenderer struct {
	blocks []string
	inline strings.Builder
	prefix string
}

func (r *blockRenderer) flush() {
	text := collapseSpaces(r.inline.String())
	r.inline.Reset()
	if text == "" {
		return
	}
	r.blocks = append(r.blocks, r.prefix+text)
	r.prefix = ""
}

func (r *blockRenderer) render(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.inline.WriteString(n.Data)
		return
	case html.ElementNode:
		if dropped(n) {
			return
		}
	case html.DocumentNode:
	default:
		return
	}

	switch {
	case n.DataAtom == atom.Pre:
		r.flush()
		code := strings.Trim(textContent(n), "\n")
		if strings.TrimSpace(code) != "" {
			r.blocks = append(r.blocks, "```\n"+code+"\n```")
		}
		return
	case n.DataAtom == atom.Br:
		r.inline.WriteByte(' ')
		return
	case headingPrefixes[n.DataAtom] != "":
		r.flush()
		r.prefix = headingPrefixes[n.DataAtom]
		r.children(n)
		r.flush()
		r.prefix = ""
		return
	case n.DataAtom == atom.Li:
		r.flush()
		r.prefix = "- "
		r.children(n)
		r.flush()
		r.prefix = ""
		return
	case blockTags[n.DataAtom]:
		r.flush()
		r.children(n)
		r.flush()
		return
	}

	r.children(n)
}

func (r *blockRenderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.render(c)
	}
}
