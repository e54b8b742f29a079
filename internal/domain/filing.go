package domain

import "time"

// FilingStatus represents the processing state of a filing.
type FilingStatus string

const (
	StatusInProgress FilingStatus = "in_progress"
	StatusProcessed  FilingStatus = "processed"
	StatusFailed     FilingStatus = "failed"
)

// FilingDescriptor identifies one filing published through a market
// regulator's system. Accession is globally unique across markets and is
// the sole dedup key.
type FilingDescriptor struct {
	Ticker      string
	Accession   string
	FilingDate  time.Time
	Form        string
	URL         string
	DocumentURL string
}

// FilingState is the persisted ledger row for one accession. Absence of a
// row means the filing was never attempted.
type FilingState struct {
	Accession       string
	Ticker          string
	FilingDate      time.Time
	Status          FilingStatus
	StatusUpdatedAt time.Time
	FailureID       int64 // 0 when status != failed
}

// FailureRecord is one append-only entry in the failure ledger. The state
// row's FailureID points at the newest record for that accession.
type FailureRecord struct {
	ID           int64
	Accession    string
	Ticker       string
	ErrorType    string
	ErrorMessage string
	OccurredAt   time.Time
	RetryCount   int
}

// KPI is a single extracted metric with its reported value.
type KPI struct {
	Name        string `json:"name"`
	ValueActual string `json:"value_actual"`
	Context     string `json:"context"`
}

// Guidance is a forward-looking metric pulled from the filing.
type Guidance struct {
	Metric     string `json:"metric"`
	Midpoint   string `json:"midpoint"`
	Unit       string `json:"unit"`
	Commentary string `json:"commentary"`
}

// ReportSummary holds the bull/bear takeaways of a report.
type ReportSummary struct {
	BullCase []string `json:"bull_case"`
	BearCase []string `json:"bear_case"`
}

// Report is the structured output of the extraction engine for one filing.
type Report struct {
	CompanyName  string        `json:"company_name"`
	Ticker       string        `json:"ticker"`
	FiscalPeriod string        `json:"fiscal_period"`
	KPIs         []KPI         `json:"kpis"`
	Guidance     []Guidance    `json:"guidance"`
	Summary      ReportSummary `json:"summary"`
}
