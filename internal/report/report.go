package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carbon-oracle/sorbent/internal/api"
	"github.com/carbon-oracle/sorbent/internal/retrieval"
)

// Reporter consumes a closed, immutable batch record after the run. The
// core's obligation ends at this handoff; report generation failures never
// affect the control loop.
type Reporter interface {
	Analyze(ctx context.Context, record *api.BatchRecord, similar []retrieval.Similar) error
}

// NoopReporter discards everything.
type NoopReporter struct{}

func (NoopReporter) Analyze(ctx context.Context, record *api.BatchRecord, similar []retrieval.Similar) error {
	return nil
}

// FileReporter renders a plain-text batch summary into a directory, one
// file per batch.
type FileReporter struct {
	dir string
}

// NewFileReporter creates the output directory if needed.
func NewFileReporter(dir string) (*FileReporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &FileReporter{dir: dir}, nil
}

func (r *FileReporter) Analyze(ctx context.Context, record *api.BatchRecord, similar []retrieval.Similar) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Batch %s\n", record.BatchID)
	fmt.Fprintf(&b, "Scenario: %s\n", record.Scenario)
	fmt.Fprintf(&b, "State: %s\n", record.State)
	fmt.Fprintf(&b, "Started: %s\n", record.StartedAt.Format(time.RFC3339))
	if !record.ClosedAt.IsZero() {
		fmt.Fprintf(&b, "Closed: %s\n", record.ClosedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Samples: %d, features: %d, predictions: %d\n",
		len(record.Samples), len(record.Features), len(record.Predictions))

	if record.Validated {
		fmt.Fprintf(&b, "Ground-truth capacity: %.2f mmol/g\n", record.GroundTruth)
	} else {
		fmt.Fprintf(&b, "Ground truth: pending lab validation\n")
	}

	if n := len(record.Predictions); n > 0 {
		last := record.Predictions[n-1]
		fmt.Fprintf(&b, "Final prediction: %.2f mmol/g (confidence %.2f, %s)\n",
			last.CapacityMmolG, last.Confidence, last.Provenance)
	}

	if len(record.Decisions) > 0 {
		fmt.Fprintf(&b, "\nInterventions:\n")
		for _, d := range record.Decisions {
			fmt.Fprintf(&b, "  tick %d [%s/%s] %s\n", d.Tick, d.Trigger, d.Severity, d.Reason)
		}
	} else {
		fmt.Fprintf(&b, "\nInterventions: none\n")
	}

	if len(similar) > 0 {
		fmt.Fprintf(&b, "\nHistorical precedents:\n")
		for _, s := range similar {
			fmt.Fprintf(&b, "  %s (%s): capacity %.2f, distance %.3f\n",
				s.BatchID, s.Scenario, s.Capacity, s.Distance)
		}
	}

	path := filepath.Join(r.dir, record.BatchID+".txt")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
