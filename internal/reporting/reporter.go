// Package reporting renders provisioning reports for people and for tools.
package reporting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/devvm/internal/provision"
)

var ErrUnsupportedFormat = errors.New("unsupported report format")

// ReportFormat specifies the output format for reports
type ReportFormat string

const (
	// FormatJSON produces JSON-formatted reports
	FormatJSON ReportFormat = "json"
	// FormatText produces human-readable text reports
	FormatText ReportFormat = "text"
)

// ParseFormat returns the ReportFormat called s.
func ParseFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(s); f {
	case FormatJSON, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q: must be one of %s, %s", ErrUnsupportedFormat, s, FormatText, FormatJSON)
	}
}

// Reporter generates provisioning reports in various formats
type Reporter struct {
	artifactDir string
}

// NewReporter creates a new reporter writing its files under artifactDir.
func NewReporter(artifactDir string) *Reporter {
	return &Reporter{
		artifactDir: artifactDir,
	}
}

// GenerateReport generates a report in the specified format and returns it as a string
func (r *Reporter) GenerateReport(report provision.Report, format ReportFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(report)
	case FormatText:
		return formatText(report), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// WriteReport generates a report and writes it to
// <artifactDir>/<run ID>/report.<format>. It returns the path written.
func (r *Reporter) WriteReport(report provision.Report, format ReportFormat) (string, error) {
	content, err := r.GenerateReport(report, format)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	reportDir := filepath.Join(r.artifactDir, report.RunID.String())
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	var filename string
	switch format {
	case FormatJSON:
		filename = "report.json"
	default:
		filename = "report.txt"
	}

	reportPath := filepath.Join(reportDir, filename)
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return reportPath, nil
}
