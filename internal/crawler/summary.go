package crawler

import (
	"fmt"
	"time"
)

// Stage 2 summary labels.
const (
	Stage2Disabled = "DISABLED"
)

// Stage2Summary labels a run's structured extraction outcome. It never reports
// success unless at least one document produced structured data.
func Stage2Summary(configured bool, c RunCounters) string {
	switch {
	case c.Stage2Succeeded > 0:
		return fmt.Sprintf("%d documents", c.Stage2Succeeded)
	case !configured:
		return Stage2Disabled
	default:
		return fmt.Sprintf("FAILED (%d errors)", c.Stage2Failed)
	}
}

// StorageRoot returns the per-run storage prefix "{YYYY-MM-DD}/{run_id}".
func StorageRoot(startedAt time.Time, runID string) string {
	return fmt.Sprintf("%s/%s", startedAt.UTC().Format("2006-01-02"), runID)
}
