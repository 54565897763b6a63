package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/yieldsim/backend/internal/accrual"
)

// AccrualTickArgs schedules one accrual pass. Period is the accrual day the
// job was enqueued for; at most one job per period is queued at a time.
type AccrualTickArgs struct {
	Period string `json:"period" river:"unique"`
}

func (AccrualTickArgs) Kind() string { return "accrual_tick" }

// Ticker runs an accrual tick.
type Ticker interface {
	RunTick(ctx context.Context) (accrual.TickReport, error)
}

type AccrualTickWorker struct {
	river.WorkerDefaults[AccrualTickArgs]
	ticker  Ticker
	log     *slog.Logger
	timeout time.Duration
}

func NewAccrualTickWorker(t Ticker, log *slog.Logger) *AccrualTickWorker {
	if log == nil {
		log = slog.Default()
	}
	return &AccrualTickWorker{ticker: t, log: log, timeout: 30 * time.Minute}
}

// Timeout bounds a single tick; river cancels the work context after it.
func (w *AccrualTickWorker) Timeout(*river.Job[AccrualTickArgs]) time.Duration {
	return w.timeout
}

func (w *AccrualTickWorker) Work(ctx context.Context, job *river.Job[AccrualTickArgs]) error {
	report, err := w.ticker.RunTick(ctx)
	if err != nil {
		// Returning the error lets river retry the job later; credits
		// already committed are skipped on the next run.
		return fmt.Errorf("accrual tick job %d (attempt %d): %w", job.ID, job.Attempt, err)
	}
	w.log.Info("accrual tick job done",
		"job_id", job.ID,
		"scheduled_period", job.Args.Period,
		"period", report.Period,
		"credited", report.PositionsCredited,
		"expired", report.PositionsExpired,
		"errors", len(report.Errors),
	)
	return nil
}

// PeriodicAccrualTick enqueues an accrual tick every interval. now supplies
// the period stamped on each job.
func PeriodicAccrualTick(interval time.Duration, now func() time.Time) *river.PeriodicJob {
	if now == nil {
		now = time.Now
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return AccrualTickArgs{Period: now().UTC().Format(accrual.PeriodLayout)}, &river.InsertOpts{
				MaxAttempts: 5,
				UniqueOpts: river.UniqueOpts{
					ByArgs:   true,
					ByPeriod: interval,
				},
			}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
