package reporting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/devvm/internal/provision"
)

type jsonReport struct {
	RunID           string     `json:"runID"`
	Started         time.Time  `json:"started"`
	DurationSeconds float64    `json:"durationSeconds"`
	Failed          bool       `json:"failed"`
	Steps           []jsonStep `json:"steps"`
}

type jsonStep struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Status          string  `json:"status,omitempty"`
	Outcome         string  `json:"outcome,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	Error           string  `json:"error,omitempty"`
}

// formatJSON converts a Report to pretty-printed JSON
func formatJSON(report provision.Report) (string, error) {
	out := jsonReport{
		RunID:           report.RunID.String(),
		Started:         report.Started.UTC(),
		DurationSeconds: report.Duration.Seconds(),
		Failed:          report.Failed(),
		Steps:           make([]jsonStep, 0, len(report.Steps)),
	}

	for _, s := range report.Steps {
		step := jsonStep{
			Name:            s.Name,
			Description:     s.Description,
			Status:          string(s.Status),
			Outcome:         string(s.Outcome),
			DurationSeconds: s.Duration.Seconds(),
		}
		if s.Err != nil {
			step.Error = s.Err.Error()
		}
		out.Steps = append(out.Steps, step)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data) + "\n", nil
}
