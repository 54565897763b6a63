package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldsim/backend/internal/accrual"
)

type fakeTicker struct {
	calls  int
	report accrual.TickReport
	err    error
}

func (f *fakeTicker) RunTick(context.Context) (accrual.TickReport, error) {
	f.calls++
	return f.report, f.err
}

func tickJob(period string) *river.Job[AccrualTickArgs] {
	return &river.Job[AccrualTickArgs]{
		JobRow: &rivertype.JobRow{ID: 7, Attempt: 1, Kind: AccrualTickArgs{}.Kind()},
		Args:   AccrualTickArgs{Period: period},
	}
}

func TestAccrualTickWorkerRunsTick(t *testing.T) {
	ticker := &fakeTicker{report: accrual.TickReport{Period: "2026-03-01", PositionsCredited: 4}}
	w := NewAccrualTickWorker(ticker, nil)

	require.NoError(t, w.Work(context.Background(), tickJob("2026-03-01")))
	assert.Equal(t, 1, ticker.calls)
}

func TestAccrualTickWorkerReturnsTickError(t *testing.T) {
	boom := errors.New("store unavailable")
	w := NewAccrualTickWorker(&fakeTicker{err: boom}, nil)

	err := w.Work(context.Background(), tickJob("2026-03-01"))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "job 7")
}

func TestAccrualTickArgs(t *testing.T) {
	assert.Equal(t, "accrual_tick", AccrualTickArgs{}.Kind())
	w := NewAccrualTickWorker(&fakeTicker{}, nil)
	assert.Equal(t, 30*time.Minute, w.Timeout(tickJob("")))
}

func TestPeriodicAccrualTick(t *testing.T) {
	job := PeriodicAccrualTick(24*time.Hour, func() time.Time {
		return time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	})
	assert.NotNil(t, job)
}
