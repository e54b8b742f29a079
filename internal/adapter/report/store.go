package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filingwatch/internal/domain"
)

// Store writes one markdown report artifact per (ticker, accession) at a
// deterministic path. Reprocessing an accession overwrites the same file.
type Store struct {
	dir string
}

// NewStore creates a report store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the artifact path for a (ticker, accession) pair.
func (s *Store) Path(ticker, accession string) string {
	name := fmt.Sprintf("%s_%s.md", sanitize(ticker), sanitize(accession))
	return filepath.Join(s.dir, name)
}

// Save renders the report to markdown and writes it, returning the path.
func (s *Store) Save(r *domain.Report, accession string) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	path := s.Path(r.Ticker, accession)
	if err := os.WriteFile(path, []byte(render(r, accession)), 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func render(r *domain.Report, accession string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Earnings Note: %s (%s)\n", r.CompanyName, r.Ticker)
	fmt.Fprintf(&b, "**Fiscal Period**: %s\n", r.FiscalPeriod)
	fmt.Fprintf(&b, "**ID**: %s\n\n", accession)

	b.WriteString("## Key KPIs\n")
	for _, kpi := range r.KPIs {
		fmt.Fprintf(&b, "- **%s**: %s (Context: %s)\n", kpi.Name, kpi.ValueActual, kpi.Context)
	}

	b.WriteString("\n## Guidance\n")
	for _, g := range r.Guidance {
		fmt.Fprintf(&b, "- **%s**: %s %s (%s)\n", g.Metric, g.Midpoint, g.Unit, g.Commentary)
	}

	if len(r.Summary.BullCase) > 0 || len(r.Summary.BearCase) > 0 {
		b.WriteString("\n## Summary\n")
		if len(r.Summary.BullCase) > 0 {
			b.WriteString("**Bull Case**:\n")
			for _, item := range r.Summary.BullCase {
				fmt.Fprintf(&b, "- %s\n", item)
			}
		}
		if len(r.Summary.BearCase) > 0 {
			b.WriteString("**Bear Case**:\n")
			for _, item := range r.Summary.BearCase {
				fmt.Fprintf(&b, "- %s\n", item)
			}
		}
	}

	return b.String()
}

// sanitize keeps path components filesystem-safe. Accession numbers carry
// slashes on some markets.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		default:
			return r
		}
	}, s)
}
