package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math"
	"strings"

	"pricesync/internal/config"

	"gopkg.in/gomail.v2"
)

// sender 是 gomail.Dialer 中用到的部分。
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 通过 SMTP 发送邮件通知。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	sender sender
}

// NewEmailNotifier 创建邮件通知器。
func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
		sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
	}
}

// Enabled 是否具备发送邮件的最小配置。
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

// SendPriceAlert 发送降价提醒邮件。
func (n *EmailNotifier) SendPriceAlert(ctx context.Context, alert PriceAlert) error {
	if !n.Enabled() {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(alert.To) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.sender.DialAndSend(n.buildMessage(alert)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	n.logger.Info("price alert email sent",
		slog.String("to", alert.To),
		slog.String("source", alert.Source),
		slog.Float64("price", alert.Price))
	return nil
}

func (n *EmailNotifier) buildMessage(alert PriceAlert) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", alert.To)
	m.SetHeader("Subject", fmt.Sprintf("[pricesync] Price drop: %s", truncate(alert.ProductName, 60)))
	m.SetBody("text/html", buildHTMLBody(alert))
	return m
}

func buildHTMLBody(alert PriceAlert) string {
	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .hero img { width: 100%%; max-width: 520px; display: block; margin: 0 auto 16px; border-radius: 8px; }
  .price { font-size: 26px; font-weight: bold; color: #16a34a; margin: 8px 0 4px; }
  .target { font-size: 13px; color: #6b7280; margin-bottom: 12px; }
  .cta { display: inline-block; padding: 12px 20px; background: #2563eb; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">Price alert: %s</div>
    <div class="content">
      <div class="hero"><img src="%s" alt="Product Image" /></div>
      <div class="price">%s</div>
      <div class="target">Your target: %s &middot; on %s</div>
      <div style="text-align:center;">
        <a class="cta" href="%s" target="_blank">View offer</a>
      </div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		html.EscapeString(alert.ProductName),
		html.EscapeString(alert.ImageURL),
		FormatPrice(alert.Price, alert.Currency),
		FormatPrice(alert.TargetPrice, alert.Currency),
		html.EscapeString(alert.Source),
		html.EscapeString(alert.URL))
}

// FormatPrice 按币种格式化价格。INR 使用印度数字分组（12,34,567.00）。
func FormatPrice(v float64, currency string) string {
	if currency == "" {
		currency = "INR"
	}
	neg := v < 0
	cents := int64(math.Round(math.Abs(v) * 100))
	whole := fmt.Sprintf("%d", cents/100)
	frac := fmt.Sprintf("%02d", cents%100)

	var grouped string
	if currency == "INR" {
		grouped = groupIndian(whole)
	} else {
		grouped = groupThousands(whole)
	}
	out := grouped + "." + frac
	if neg {
		out = "-" + out
	}
	if currency == "INR" {
		return "₹ " + out
	}
	return currency + " " + out
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	out := make([]byte, 0, n+n/3)
	for i, ch := range []byte(s) {
		out = append(out, ch)
		if (n-i-1)%3 == 0 && i != n-1 {
			out = append(out, ',')
		}
	}
	return string(out)
}

func groupIndian(s string) string {
	if len(s) <= 3 {
		return s
	}
	head, tail := s[:len(s)-3], s[len(s)-3:]
	var parts []string
	for len(head) > 2 {
		parts = append([]string{head[len(head)-2:]}, parts...)
		head = head[:len(head)-2]
	}
	if head != "" {
		parts = append([]string{head}, parts...)
	}
	return strings.Join(parts, ",") + "," + tail
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
