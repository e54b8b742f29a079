package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"filingwatch/internal/domain"
)

const defaultAPIBaseURL = "https://api.telegram.org"

// TelegramNotifier sends report alerts to a Telegram chat via the bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier registers bot token and chat identifier.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  defaultAPIBaseURL,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithBaseURL points the notifier at a different API host (tests).
func (n *TelegramNotifier) WithBaseURL(base string) *TelegramNotifier {
	n.baseURL = strings.TrimRight(base, "/")
	return n
}

// SendReportAlert posts a short alert for a freshly generated report.
func (n *TelegramNotifier) SendReportAlert(ctx context.Context, report *domain.Report, artifactPath string) error {
	if n.botToken == "" || n.chatID == "" {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", buildAlertMessage(report, artifactPath))
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(report *domain.Report, artifactPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Earnings Note: %s (%s)*\n", report.CompanyName, report.Ticker)
	if report.FiscalPeriod != "" {
		fmt.Fprintf(&b, "Fiscal period: %s\n", report.FiscalPeriod)
	}
	for i, kpi := range report.KPIs {
		if i >= 3 {
			fmt.Fprintf(&b, "…and %d more KPIs\n", len(report.KPIs)-i)
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", kpi.Name, kpi.ValueActual)
	}
	fmt.Fprintf(&b, "Report: %s", artifactPath)
	return b.String()
}
