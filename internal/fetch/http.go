package fetch

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"pricesync/internal/source"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	maxBodyBytes     = 8 << 20
)

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// HTTPLauncher 创建基于 net/http 的轻量会话，适合不依赖 JS 渲染的页面。
type HTTPLauncher struct {
	// Transport 为空时使用 http.DefaultTransport
	Transport http.RoundTripper
	UserAgent string
}

func (l *HTTPLauncher) Kind() string { return "http" }

// Launch 创建会话。每个会话拥有独立的连接池，Close 时释放空闲连接。
func (l *HTTPLauncher) Launch(ctx context.Context) (Session, error) {
	transport := l.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	ua := l.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &httpSession{
		client:    &http.Client{Transport: transport},
		userAgent: ua,
	}, nil
}

type httpSession struct {
	client    *http.Client
	userAgent string
}

func (s *httpSession) Fetch(ctx context.Context, target source.Target) (source.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return source.Page{}, &FatalError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-IN,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return source.Page{}, &TransientError{Err: fmt.Errorf("GET %s: %w", target.URL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return source.Page{}, StatusError(resp.StatusCode, target.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return source.Page{}, &TransientError{Err: fmt.Errorf("read body: %w", err)}
	}

	page := source.Page{
		Target:     target,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		HTML:       string(body),
		FetchedAt:  time.Now(),
	}
	if m := titleRe.FindStringSubmatch(page.HTML); len(m) == 2 {
		page.Title = strings.TrimSpace(html.UnescapeString(m[1]))
	}
	return page, nil
}

func (s *httpSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
