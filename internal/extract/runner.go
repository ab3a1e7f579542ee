package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crimelake/internal/domain"
	"crimelake/internal/store"
)

// Compile-time interface check.
var _ Extractor = (*Runner)(nil)

// ErrCursorAhead is returned when the starting day is after today; the loop
// would otherwise never reach a completed state.
var ErrCursorAhead = errors.New("starting day is after today")

// RunnerConfig wires a Runner. Cursors, Recorder, Now and Location are
// optional.
type RunnerConfig struct {
	Pipeline string
	Table    string
	// StartDay is treated as the last completed day when no checkpoint
	// exists (or IgnoreCursor is set); the first day extracted is the one
	// after it.
	StartDay     domain.Day
	IgnoreCursor bool

	Query   *QueryBuilder
	Source  PageSource
	Writer  BatchWriter
	Cursors store.CursorStore
	// Recorder keeps a per-run history when set.
	Recorder store.RunRecorder

	Now      func() time.Time
	Location *time.Location
	Logger   *slog.Logger
}

// Runner drives the extraction loop one day at a time, strictly in order.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, log: log.With("pipeline", cfg.Pipeline, "table", cfg.Table)}
}

// Name returns the pipeline identifier.
func (r *Runner) Name() string { return r.cfg.Pipeline }

// Today returns the current date in the runner's location.
func (r *Runner) Today() domain.Day {
	return domain.DayOf(r.cfg.Now().In(r.cfg.Location))
}

// Run resolves the starting day and extracts every day after it up to and
// including today.
func (r *Runner) Run(ctx context.Context) error {
	_, err := r.RunAll(ctx)
	return err
}

// RunAll is Run, returning the summary of every day that completed. On error
// the summaries of the days completed before the failure are returned too.
func (r *Runner) RunAll(ctx context.Context) ([]domain.RunSummary, error) {
	start, resumed, err := r.startDay(ctx)
	if err != nil {
		return nil, err
	}
	today := r.Today()
	if start.After(today) {
		return nil, fmt.Errorf("%w: %s > %s", ErrCursorAhead, start, today)
	}

	r.log.Info("extraction starting",
		"last_completed", start.String(),
		"resumed", resumed,
		"today", today.String(),
		"days", domain.DaysBetween(start, today),
	)

	tracker := NewTracker(start)
	var summaries []domain.RunSummary
	for !tracker.IsComplete(r.Today()) {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}

		tracker.Advance()
		sum, err := r.runDay(ctx, tracker.Window())
		if err != nil {
			return summaries, fmt.Errorf("extracting %s: %w", tracker.Current(), err)
		}
		summaries = append(summaries, sum)

		if err := r.checkpoint(ctx, tracker.Current()); err != nil {
			return summaries, err
		}
	}

	r.log.Info("extraction complete", "days", len(summaries), "through", tracker.Current().String())
	return summaries, nil
}

// checkpoint records day as completed. A day that has not ended yet is
// never recorded: the day before it is saved instead, so the next run
// fetches it again.
func (r *Runner) checkpoint(ctx context.Context, day domain.Day) error {
	if r.cfg.Cursors == nil {
		return nil
	}
	if today := r.Today(); !day.Before(today) {
		day = today.AddDays(-1)
	}
	if err := r.cfg.Cursors.SaveCursor(ctx, r.cfg.Pipeline, day); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", day, err)
	}
	return nil
}

func (r *Runner) startDay(ctx context.Context) (domain.Day, bool, error) {
	if r.cfg.Cursors != nil && !r.cfg.IgnoreCursor {
		day, ok, err := r.cfg.Cursors.LoadCursor(ctx, r.cfg.Pipeline)
		if err != nil {
			return domain.Day{}, false, fmt.Errorf("loading checkpoint: %w", err)
		}
		if ok {
			return day, true, nil
		}
	}
	if r.cfg.StartDay.IsZero() {
		return domain.Day{}, false, errors.New("no checkpoint and no start day")
	}
	return r.cfg.StartDay, false, nil
}

// runDay builds the request for w, streams its pages into the writer and
// reports the elapsed wall-clock time.
func (r *Runner) runDay(ctx context.Context, w domain.Window) (domain.RunSummary, error) {
	began := time.Now()

	req := r.cfg.Query.Build(w)
	key := domain.PartitionFor(r.cfg.Table, w)
	r.log.Info("fetching day", "day", w.Day().String(), "url", req.URL(0))

	info, err := r.cfg.Writer.Write(ctx, r.cfg.Source.Pages(ctx, req), key)
	if err != nil {
		return domain.RunSummary{}, err
	}

	sum := domain.RunSummary{
		Day:     w.Day(),
		Window:  w,
		Elapsed: time.Since(began),
		Load:    info,
	}
	r.log.Info("day loaded",
		"day", sum.Day.String(),
		"partition", key.Path(),
		"elapsed_s", sum.Elapsed.Seconds(),
		"run_id", info.RunID,
		"pages", info.Pages,
		"rows", info.Rows,
		"files", info.Files,
		"bytes", info.Bytes,
	)

	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.RecordRun(ctx, r.cfg.Pipeline, sum); err != nil {
			return sum, fmt.Errorf("recording run: %w", err)
		}
	}
	return sum, nil
}
