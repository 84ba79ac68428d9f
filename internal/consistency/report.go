package consistency

import (
	"fmt"
	"io"
	"time"

	"github.com/roach88/ledgersync/internal/model"
)

// Report groups the results of one Check call for presentation.
type Report struct {
	OwnerID string              `json:"owner_id" yaml:"owner_id"`
	Results []model.CheckResult `json:"results" yaml:"results"`
}

// Tally counts results by outcome.
type Tally struct {
	Consistent int `json:"consistent" yaml:"consistent"`
	Mismatch   int `json:"mismatch" yaml:"mismatch"`
	Skipped    int `json:"skipped" yaml:"skipped"`
}

// Total is the number of counted results.
func (t Tally) Total() int {
	return t.Consistent + t.Mismatch + t.Skipped
}

// Tally counts the report's results.
func (r *Report) Tally() Tally {
	var t Tally
	for _, res := range r.Results {
		switch State(res) {
		case StateSkipped:
			t.Skipped++
		case StateMismatch:
			t.Mismatch++
		default:
			t.Consistent++
		}
	}
	return t
}

// State names the outcome of one result.
func State(r model.CheckResult) string {
	switch {
	case r.Skipped:
		return StateSkipped
	case !r.IsConsistent:
		return StateMismatch
	default:
		return StateConsistent
	}
}

// WriteText renders the report as plain text, one block per result.
func (r *Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("Consistency report for owner %q\n", r.OwnerID)
	for _, res := range r.Results {
		ew.printf("\n")
		state := State(res)
		if state == StateSkipped {
			ew.printf("%s (%s): %s (%s)\n", res.Collection, scopeLabel(res), state, res.Detail)
			continue
		}
		ew.printf("%s (%s): %s\n", res.Collection, scopeLabel(res), state)
		ew.printf("  window:   %s .. %s\n", formatMillis(res.WindowStart), formatMillis(res.WindowEnd))
		ew.printf("  expected: count=%d sum=%g\n", res.Expected.Count, res.Expected.Sum)
		ew.printf("  actual:   count=%d sum=%g\n", res.Actual.Count, res.Actual.Sum)
		if res.Detail != "" {
			ew.printf("  detail:   %s\n", res.Detail)
		}
	}
	t := r.Tally()
	ew.printf("\nSummary: %d consistent, %d mismatch, %d skipped, %d total\n",
		t.Consistent, t.Mismatch, t.Skipped, t.Total())
	return ew.err
}

func scopeLabel(r model.CheckResult) string {
	switch {
	case r.OwnerID == "":
		return "public"
	case r.SubOwnerID == "":
		return r.OwnerID
	default:
		return r.OwnerID + "/" + r.SubOwnerID
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

// errWriter keeps the first write error and drops later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
