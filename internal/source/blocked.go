package source

import (
	"fmt"
	"strings"
)

// 拦截页特征
var (
	blockedTitles = []string{
		"just a moment",
		"attention required",
		"access denied",
		"403 forbidden",
		"robot check",
		"blocked",
	}
	blockedHints = []string{
		"verify you are human",
		"cf-browser-verification",
		"challenge-platform",
		"validatecaptcha",
		"api-services-support@amazon.com",
		"enter the characters you see below",
		"recaptcha",
		"hcaptcha",
		"429 too many requests",
		"too many requests",
	}
)

// CheckPage 检查页面是否为拦截页或空白页。返回的错误包装 ErrBlocked。
func CheckPage(page Page) error {
	title := strings.ToLower(strings.TrimSpace(page.Title))
	for _, hint := range blockedTitles {
		if strings.Contains(title, hint) {
			return fmt.Errorf("%w: title %q", ErrBlocked, page.Title)
		}
	}
	html := strings.ToLower(page.HTML)
	if len(strings.TrimSpace(html)) == 0 {
		return fmt.Errorf("%w: empty page", ErrBlocked)
	}
	for _, hint := range blockedHints {
		if strings.Contains(html, hint) {
			return fmt.Errorf("%w: %s", ErrBlocked, hint)
		}
	}
	return nil
}
