package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"filingwatch/internal/domain"
)

const defaultNSEBaseURL = "https://www.nseindia.com"

// NSEClient polls the NSE India corporate-announcements API for tickers
// carrying the ".NS" suffix.
type NSEClient struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewNSEClient wires an NSE client. A nil httpClient gets a bounded 20s
// timeout default.
func NewNSEClient(httpClient *http.Client, logger *slog.Logger) *NSEClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NSEClient{client: httpClient, baseURL: defaultNSEBaseURL, logger: logger}
}

// WithBaseURL points the client at a different host (tests).
func (c *NSEClient) WithBaseURL(base string) *NSEClient {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

type nseAnnouncement struct {
	Symbol         string `json:"symbol"`
	Description    string `json:"desc"`
	AttachmentFile string `json:"attchmntFile"`
	AnnouncedAt    string `json:"an_dt"`
	SeqID          string `json:"seq_id"`
}

// LatestFilings fetches recent corporate announcements per ticker with the
// same per-ticker isolation contract as the EDGAR client.
func (c *NSEClient) LatestFilings(ctx context.Context, tickers []string, limit int) ([]domain.FilingDescriptor, error) {
	var results []domain.FilingDescriptor
	var firstErr error
	failed := 0

	for _, ticker := range tickers {
		filings, err := c.fetchTicker(ctx, ticker, limit)
		if err != nil {
			c.logger.Warn("nse fetch failed", "ticker", ticker, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("ticker %s: %w", ticker, err)
			}
			failed++
			continue
		}
		results = append(results, filings...)
	}

	if failed > 0 && failed == len(tickers) {
		return nil, firstErr
	}
	return results, nil
}

func (c *NSEClient) fetchTicker(ctx context.Context, ticker string, limit int) ([]domain.FilingDescriptor, error) {
	symbol := strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(ticker, ".NS"), ".ns"))
	apiURL := fmt.Sprintf("%s/api/corporate-announcements?index=equities&symbol=%s",
		c.baseURL, url.QueryEscape(symbol))

	body, err := c.get(ctx, apiURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var announcements []nseAnnouncement
	if err := json.NewDecoder(body).Decode(&announcements); err != nil {
		return nil, fmt.Errorf("decode announcements: %w", err)
	}

	var filings []domain.FilingDescriptor
	for _, ann := range announcements {
		if ann.SeqID == "" {
			continue
		}
		announcedAt, err := time.Parse("02-Jan-2006 15:04:05", ann.AnnouncedAt)
		if err != nil {
			announcedAt = time.Time{}
		}
		filings = append(filings, domain.FilingDescriptor{
			Ticker: ticker,
			// Prefixed sequence IDs stay globally unique next to EDGAR
			// accession numbers.
			Accession:   "NSE-" + ann.SeqID,
			FilingDate:  announcedAt,
			Form:        "ANN",
			URL:         ann.AttachmentFile,
			DocumentURL: ann.AttachmentFile,
		})
		if len(filings) >= limit {
			break
		}
	}
	return filings, nil
}

// FilingText fetches the announcement attachment and extracts its text.
// PDF attachments carry no extractable text here and return absent.
func (c *NSEClient) FilingText(ctx context.Context, filing domain.FilingDescriptor) (string, error) {
	if filing.DocumentURL == "" {
		return "", nil
	}
	if strings.HasSuffix(strings.ToLower(filing.DocumentURL), ".pdf") {
		return "", nil
	}

	body, err := c.get(ctx, filing.DocumentURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parse attachment: %w", err)
	}
	return strings.TrimSpace(doc.Find("body").Text()), nil
}

func (c *NSEClient) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("nse returned %s for %s", resp.Status, rawURL)
	}
	return resp.Body, nil
}
