package consistency

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/model"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func sampleReport() *Report {
	return &Report{
		OwnerID: "alice",
		Results: []model.CheckResult{
			{
				Collection: "ledgers", OwnerID: "alice", SubOwnerID: "s1", IsConsistent: true,
				Expected: model.Summary{Count: 25, Sum: 25}, Actual: model.Summary{Count: 25, Sum: 25},
				WindowStart: t0 - hour, WindowEnd: t0,
			},
			{
				Collection: "trades", OwnerID: "alice", SubOwnerID: "s1",
				Expected: model.Summary{Count: 3, Sum: 1.5}, Actual: model.Summary{Count: 2, Sum: 1},
				WindowStart: t0 - hour, WindowEnd: t0,
				Detail: "count: expected 3, got 2",
			},
			{
				Collection: "logins", OwnerID: "alice", SubOwnerID: "s2",
				IsConsistent: true, Skipped: true, Detail: "window not ready",
			},
			{
				Collection: "candles", IsConsistent: true,
				WindowStart: t0 - hour, WindowEnd: t0,
			},
		},
	}
}

func TestReport_WriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().WriteText(&buf))
	newGoldie(t).Assert(t, "report_mixed", buf.Bytes())
}

func TestReport_WriteTextEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Report{OwnerID: "alice"}).WriteText(&buf))
	newGoldie(t).Assert(t, "report_empty", buf.Bytes())
}

func TestReport_Tally(t *testing.T) {
	tally := sampleReport().Tally()
	assert.Equal(t, Tally{Consistent: 2, Mismatch: 1, Skipped: 1}, tally)
	assert.Equal(t, 4, tally.Total())
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	return 0, assert.AnError
}

func TestReport_WriteTextStopsOnError(t *testing.T) {
	w := &failingWriter{}
	err := sampleReport().WriteText(w)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, w.n)
}
