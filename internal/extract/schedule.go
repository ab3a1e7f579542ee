package extract

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedule runs e on the cron spec (seconds field first) until ctx is cancelled or a run fails.
// A tick that arrives while a run is still going is skipped. When
// runAtStart is set, e also runs once immediately.
func Schedule(ctx context.Context, spec string, e Extractor, runAtStart bool, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	run := func() {
		log.Info("scheduled run starting", "extractor", e.Name())
		if err := e.Run(ctx); err != nil && ctx.Err() == nil {
			select {
			case errCh <- err:
			default:
			}
			cancel()
		}
	}

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, run); err != nil {
		return fmt.Errorf("parsing schedule %q: %w", spec, err)
	}

	if runAtStart {
		run()
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
