package source

import (
	"context"
	"encoding/xml"
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

const defaultEdgarBaseURL = "https://www.sec.gov"

// EdgarClient polls the SEC EDGAR company Atom feed for 8-K filings and
// extracts filing text from the document index pages.
//
// The SEC requires a contact identity in the User-Agent header; it is an
// explicit constructor parameter, never process-global state.
type EdgarClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	formType  string
	logger    *slog.Logger
}

// NewEdgarClient wires an EDGAR client. A nil httpClient gets a bounded
// 20s timeout default.
func NewEdgarClient(userAgent string, httpClient *http.Client, logger *slog.Logger) *EdgarClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EdgarClient{
		client:    httpClient,
		baseURL:   defaultEdgarBaseURL,
		userAgent: userAgent,
		formType:  "8-K",
		logger:    logger,
	}
}

// WithBaseURL points the client at a different EDGAR host (tests).
func (c *EdgarClient) WithBaseURL(base string) *EdgarClient {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// Atom feed shapes for the EDGAR company browse endpoint.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string      `xml:"id"`
	Title   string      `xml:"title"`
	Content atomContent `xml:"content"`
}

type atomContent struct {
	AccessionNumber string `xml:"accession-number"`
	FilingDate      string `xml:"filing-date"`
	FilingType      string `xml:"filing-type"`
	FilingHref      string `xml:"filing-href"`
}

// LatestFilings fetches the newest filings for each ticker. A failure for
// one ticker is logged and skipped; the batch returns what succeeded. The
// call errors only when every ticker failed.
func (c *EdgarClient) LatestFilings(ctx context.Context, tickers []string, limit int) ([]domain.FilingDescriptor, error) {
	var results []domain.FilingDescriptor
	var firstErr error
	failed := 0

	for _, ticker := range tickers {
		filings, err := c.fetchTicker(ctx, ticker, limit)
		if err != nil {
			c.logger.Warn("edgar fetch failed", "ticker", ticker, "error", err)
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

func (c *EdgarClient) fetchTicker(ctx context.Context, ticker string, limit int) ([]domain.FilingDescriptor, error) {
	feedURL := fmt.Sprintf(
		"%s/cgi-bin/browse-edgar?action=getcompany&CIK=%s&type=%s&dateb=&owner=include&count=%d&output=atom",
		c.baseURL, url.QueryEscape(ticker), url.QueryEscape(c.formType), limit,
	)

	body, err := c.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var feed atomFeed
	if err := xml.NewDecoder(body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode atom feed: %w", err)
	}

	var filings []domain.FilingDescriptor
	for _, entry := range feed.Entries {
		if entry.Content.AccessionNumber == "" {
			continue
		}
		filingDate, err := time.Parse("2006-01-02", entry.Content.FilingDate)
		if err != nil {
			c.logger.Warn("edgar entry has unparseable date",
				"ticker", ticker,
				"accession", entry.Content.AccessionNumber,
				"date", entry.Content.FilingDate,
			)
			filingDate = time.Time{}
		}
		filings = append(filings, domain.FilingDescriptor{
			Ticker:      ticker,
			Accession:   entry.Content.AccessionNumber,
			FilingDate:  filingDate,
			Form:        entry.Content.FilingType,
			URL:         entry.Content.FilingHref,
			DocumentURL: entry.Content.FilingHref,
		})
		if len(filings) >= limit {
			break
		}
	}
	return filings, nil
}

// FilingText fetches the filing's document index, extracts the primary
// document body and appends the EX-99.1 press-release exhibit when one is
// attached. Returns "" when nothing extractable was found.
func (c *EdgarClient) FilingText(ctx context.Context, filing domain.FilingDescriptor) (string, error) {
	if filing.DocumentURL == "" {
		return "", nil
	}

	index, err := c.fetchDocument(ctx, filing.DocumentURL)
	if err != nil {
		return "", err
	}

	primaryURL, exhibitURL := c.findDocuments(index)

	var content strings.Builder
	if primaryURL != "" {
		text, err := c.documentText(ctx, primaryURL)
		if err != nil {
			return "", fmt.Errorf("primary document: %w", err)
		}
		if text != "" {
			fmt.Fprintf(&content, "--- MAIN FILING (FORM %s) ---\n%s\n", filing.Form, text)
		}
	}

	if exhibitURL != "" {
		text, err := c.documentText(ctx, exhibitURL)
		if err != nil {
			// The exhibit is a bonus; the primary body still stands alone.
			c.logger.Warn("exhibit extraction failed",
				"accession", filing.Accession, "url", exhibitURL, "error", err)
		} else if text != "" {
			fmt.Fprintf(&content, "\n\n--- EXHIBIT 99.1 (PRESS RELEASE) ---\n%s", text)
		}
	}

	return strings.TrimSpace(content.String()), nil
}

// findDocuments walks the index page's document table and picks the primary
// filing document plus the EX-99.1 press-release exhibit if present.
func (c *EdgarClient) findDocuments(index *goquery.Document) (primary, exhibit string) {
	index.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		if !strings.Contains(href, ".htm") || strings.Contains(href, "ix?doc=") {
			return
		}

		rowText := strings.ToUpper(row.Text())
		hrefUpper := strings.ToUpper(href)
		isPressRelease := strings.Contains(rowText, "EX-99.1") ||
			strings.Contains(rowText, "PRESS RELEASE") ||
			strings.Contains(hrefUpper, "EX99")

		abs := c.absoluteURL(href)
		if isPressRelease {
			if exhibit == "" {
				exhibit = abs
			}
			return
		}
		if primary == "" {
			primary = abs
		}
	})
	return primary, exhibit
}

func (c *EdgarClient) documentText(ctx context.Context, docURL string) (string, error) {
	doc, err := c.fetchDocument(ctx, docURL)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find("body").Text()), nil
}

func (c *EdgarClient) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := c.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func (c *EdgarClient) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("edgar returned %s for %s", resp.Status, rawURL)
	}
	return resp.Body, nil
}

func (c *EdgarClient) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return c.baseURL + href
}
