package reporting

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/devvm/internal/provision"
)

// formatText generates a table with one line per step followed by a summary.
func formatText(report provision.Report) string {
	var sb strings.Builder

	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STEP\tSTATUS\tOUTCOME\tDURATION\tERROR")
	for _, s := range report.Steps {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.Name,
			orDash(string(s.Status)),
			orDash(string(s.Outcome)),
			s.Duration.Round(time.Millisecond),
			formatError(s.Err),
		)
	}
	_ = tw.Flush()

	sb.WriteString(formatSummary(report))
	sb.WriteString("\n")

	return sb.String()
}

// formatSummary counts the steps by outcome. Steps without one, as in a status
// report, are counted by status, or as unknown when their check failed.
func formatSummary(report provision.Report) string {
	counts := map[string]int{}
	var keys []string

	for _, s := range report.Steps {
		var k string
		switch {
		case s.Outcome != "":
			k = string(s.Outcome)
		case s.Err != nil || s.Status == "":
			k = "unknown"
		default:
			k = string(s.Status)
		}

		if _, ok := counts[k]; !ok {
			keys = append(keys, k)
		}
		counts[k]++
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}

	return fmt.Sprintf("run %s: %s in %s",
		report.RunID, strings.Join(parts, ", "), report.Duration.Round(time.Millisecond))
}

func formatError(err error) string {
	if err == nil {
		return "-"
	}
	// one line per step
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
