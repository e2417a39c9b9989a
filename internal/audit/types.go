// Package audit defines the core domain types and collaborator interfaces
// shared by the orchestrator components.
package audit

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ReportType selects which report view a caller requested.
type ReportType string

// Supported report types.
const (
	ReportSimple ReportType = "simple"
	ReportFull   ReportType = "full"
)

// ParseReportType validates a raw report type, defaulting empty input to the
// simple view.
func ParseReportType(raw string) (ReportType, error) {
	switch ReportType(raw) {
	case "":
		return ReportSimple, nil
	case ReportSimple:
		return ReportSimple, nil
	case ReportFull:
		return ReportFull, nil
	default:
		return "", fmt.Errorf("unknown report type %q", raw)
	}
}

// Request captures one admitted audit submission.
type Request struct {
	URL              string     `json:"url"`
	ReportType       ReportType `json:"report_type"`
	MaxPages         int        `json:"max_pages"`
	MaxExternalLinks int        `json:"max_external_links"`
}

// Validate rejects requests that must never reach admission.
func (r Request) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	if r.MaxPages <= 0 {
		return errors.New("max_pages must be > 0")
	}
	if r.MaxExternalLinks < 0 {
		return errors.New("max_external_links must be >= 0")
	}
	if r.ReportType != ReportSimple && r.ReportType != ReportFull {
		return fmt.Errorf("unknown report type %q", r.ReportType)
	}
	return nil
}

// Severity grades a single finding.
type Severity string

// Finding severities, mildest first.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one observation produced by the analyzer pipeline.
type Finding struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	URL      string   `json:"url,omitempty"`
}

// Result is the payload produced by the analyzer collaborator for one audit.
// The orchestrator treats it as opaque beyond the counters used for billing.
type Result struct {
	Score                int       `json:"score"`
	PagesScanned         int       `json:"pages_scanned"`
	ExternalLinksChecked int       `json:"external_links_checked"`
	Findings             []Finding `json:"findings,omitempty"`
}

// Record is the persisted form of a completed audit, keyed by AuditID.
type Record struct {
	ID         string     `json:"id"`
	UserID     *string    `json:"user_id,omitempty"`
	URL        string     `json:"url"`
	ReportType ReportType `json:"report_type"`
	Result     Result     `json:"result"`
	CreatedAt  time.Time  `json:"created_at"`
}
