package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"pricesync/internal/config"
	"pricesync/internal/source"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout   = 30 * time.Second
	pageCreateTimeout    = 10 * time.Second
	stealthScriptTimeout = 5 * time.Second
	waitSelectorTimeout  = 10 * time.Second
)

// 屏蔽的高带宽资源与追踪脚本
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*facebook*",
	"*criteo*",
}

// RodLauncher 启动带 stealth 脚本的无头浏览器会话。
type RodLauncher struct {
	Browser config.BrowserConfig
	Logger  *slog.Logger
}

func (l *RodLauncher) Kind() string { return "browser" }

// Launch 启动一个独立的浏览器进程。
func (l *RodLauncher) Launch(ctx context.Context) (Session, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	bin := l.Browser.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 针对容器环境的 Flag 优化
	lc := launcher.New().
		Context(initCtx).
		Headless(l.Browser.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if l.Browser.ProxyURL != "" {
		parsed, err := url.Parse(l.Browser.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", l.Browser.ProxyURL)
		}
		lc = lc.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
	}

	wsURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	// 浏览器生命周期独立于 Launch 的 ctx，由 Session.Close 负责回收
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		lc.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	logger.Info("browser started", slog.String("bin", bin), slog.Bool("proxy", l.Browser.ProxyURL != ""))
	return &rodSession{browser: browser, launcher: lc, logger: logger}, nil
}

type rodSession struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	logger   *slog.Logger
}

func (s *rodSession) Fetch(ctx context.Context, target source.Target) (source.Page, error) {
	page, err := s.newPage(ctx)
	if err != nil {
		return source.Page{}, err
	}
	defer func() {
		_ = page.Close()
	}()

	p := page.Context(ctx)
	if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: defaultUserAgent, AcceptLanguage: "en-IN,en;q=0.9"}); err != nil {
		s.logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}
	if err := p.Navigate(target.URL); err != nil {
		return source.Page{}, fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		s.logger.Warn("WaitLoad failed, continuing anyway",
			slog.String("url", target.URL),
			slog.String("error", err.Error()))
	}
	if target.WaitSelector != "" {
		if _, err := p.Timeout(waitSelectorTimeout).Element(target.WaitSelector); err != nil {
			// 元素缺失通常意味着空结果或拦截页，交给解析与页面检查处理
			s.logger.Debug("wait selector not found",
				slog.String("selector", target.WaitSelector),
				slog.String("error", err.Error()))
		}
	}

	htmlText, err := p.HTML()
	if err != nil {
		return source.Page{}, fmt.Errorf("read page html: %w", err)
	}
	out := source.Page{
		Target:    target,
		URL:       target.URL,
		HTML:      htmlText,
		FetchedAt: time.Now(),
	}
	if info, err := p.Info(); err == nil {
		out.Title = info.Title
		out.URL = info.URL
	}
	return out, nil
}

// newPage 创建页面并注入 stealth 脚本，每一步都带超时保护。
func (s *rodSession) newPage(ctx context.Context) (*rod.Page, error) {
	type pageResult struct {
		page *rod.Page
		err  error
	}
	resultCh := make(chan pageResult, 1)
	go func() {
		page, err := s.browser.Page(proto.TargetCreateTarget{URL: ""})
		resultCh <- pageResult{page: page, err: err}
	}()

	createTimer := time.NewTimer(pageCreateTimeout)
	defer createTimer.Stop()

	var page *rod.Page
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("create page failed: %w", res.err)
		}
		page = res.page
	case <-createTimer.C:
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	stealthDone := make(chan error, 1)
	go func() {
		_, err := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- err
	}()
	stealthTimer := time.NewTimer(stealthScriptTimeout)
	defer stealthTimer.Stop()

	select {
	case err := <-stealthDone:
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("apply stealth script: %w", err)
		}
	case <-stealthTimer.C:
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		_ = page.Close()
		return nil, fmt.Errorf("context cancelled during stealth script: %w", ctx.Err())
	}

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		s.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	return page, nil
}

func (s *rodSession) Close() error {
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
