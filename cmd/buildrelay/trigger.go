package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"buildrelay/internal/engine"
	"buildrelay/internal/engine/jenkins"
	"buildrelay/internal/events"
	"buildrelay/internal/pipeline"
	"buildrelay/internal/storage/models"
)

var (
	triggerParams []string
	triggerFollow bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <job>",
	Short: "Trigger a build, optionally following it to its result",
	Long: `Trigger a Jenkins build of <job>.

With --follow the console output is streamed to stdout while the build runs,
and the command exits non-zero unless the build finished with SUCCESS.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(triggerParams)
		if err != nil {
			return err
		}
		return runTrigger(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], params, triggerFollow)
	},
}

func init() {
	triggerCmd.Flags().StringArrayVarP(&triggerParams, "param", "p", nil, "Build parameter as KEY=VALUE (repeatable)")
	triggerCmd.Flags().BoolVarP(&triggerFollow, "follow", "f", false, "Stream the console and wait for the result")
}

// parseParams turns KEY=VALUE pairs into build parameters
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=VALUE", pair)
		}
		params[key] = value
	}
	return params, nil
}

func runTrigger(ctx context.Context, out, status io.Writer, job string, params map[string]string, follow bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()

	// Subscribe before triggering so no event of the new lifecycle is missed
	var starter engine.LifecycleStarter
	var sub *events.Subscriber
	if follow {
		starter = a.tracker
		sub = a.bus.Subscribe(events.Filter{JobName: job})
		defer a.bus.Unsubscribe(sub)
	}

	result, err := jenkins.NewTrigger(a.client, starter, a.bus).TriggerBuild(ctx, engine.BuildRequest{
		Source:      engine.SourceCLI,
		JobName:     job,
		Params:      params,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(status, "%s (queue item %d, tracking id %s)\n", result.Message, result.QueueID, result.TrackingID)

	if !follow {
		return nil
	}
	if !result.Tracked {
		return errors.New("cannot follow the build: Jenkins did not report a queue item")
	}

	lc, ok := a.tracker.Get(result.TrackingID)
	if !ok {
		return fmt.Errorf("lifecycle %s is not tracked", result.TrackingID)
	}
	return followBuild(ctx, out, status, sub, result.TrackingID, lc.Done(), lc.Outcome)
}

// followBuild prints the events of one lifecycle until it reaches a terminal
// event. A build that did not end in SUCCESS is reported as an error. When the
// build is already followed by another lifecycle, that lifecycle's events are
// followed instead.
func followBuild(ctx context.Context, out, status io.Writer, sub *events.Subscriber, trackingID string, done <-chan struct{}, outcome func() pipeline.Outcome) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.C:
			if !ok {
				return errors.New("event stream closed before the build finished")
			}
			if ev.TrackingID != trackingID {
				continue
			}
			if finished, err := render(out, status, ev); finished {
				return err
			}
			if m, ok := ev.Payload.(events.BuildMerged); ok {
				trackingID, done = m.FollowedBy, nil
			}

		case <-done:
			// Terminal events are delivered before the lifecycle is marked done
			merged := false
			for !merged {
				select {
				case ev, ok := <-sub.C:
					if !ok {
						return errors.New("event stream closed before the build finished")
					}
					if ev.TrackingID != trackingID {
						continue
					}
					if finished, err := render(out, status, ev); finished {
						return err
					}
					if m, ok := ev.Payload.(events.BuildMerged); ok {
						trackingID, done, merged = m.FollowedBy, nil, true
					}
				default:
					return fmt.Errorf("build tracking ended with outcome %s", outcome())
				}
			}
		}
	}
}

// render writes ev and reports whether it ended the lifecycle
func render(out, status io.Writer, ev events.Event) (bool, error) {
	switch p := ev.Payload.(type) {
	case events.BuildStarted:
		fmt.Fprintf(status, "Build %s started\n", p.Handle.Key())

	case events.LogChunk:
		fmt.Fprint(out, p.Text)

	case events.BuildCompleted:
		return true, summarize(status, p.Record)

	case events.BuildCancelled:
		if p.Reason != "" {
			return true, fmt.Errorf("queue item %d was cancelled: %s", p.QueueID, p.Reason)
		}
		return true, fmt.Errorf("queue item %d was cancelled", p.QueueID)

	case events.BuildMerged:
		fmt.Fprintf(status, "Build %s is already followed as %s\n", p.Handle.Key(), p.FollowedBy)

	case events.BuildTimedOut:
		if p.Handle != nil {
			return true, fmt.Errorf("timed out following build %s", p.Handle.Key())
		}
		return true, fmt.Errorf("timed out waiting for queue item %d to start", p.QueueID)
	}
	return false, nil
}

func summarize(status io.Writer, rec *models.BuildRecord) error {
	if rec == nil {
		return errors.New("build completed without a record")
	}

	fmt.Fprintf(status, "\nBuild %s#%d finished: %s in %s\n", rec.JobName, rec.BuildNumber, rec.Status, rec.Duration())
	fmt.Fprintf(status, "Console: %s\n", rec.ConsoleLink)
	if rec.Status == models.StatusSuccess {
		return nil
	}

	if rec.FailureCategory != "" {
		fmt.Fprintf(status, "Failure category: %s (confidence %.2f)\n", rec.FailureCategory, rec.FailureConfidence)
	}
	if rec.ErrorSummary != "" {
		fmt.Fprintf(status, "Error: %s\n", rec.ErrorSummary)
	}
	for _, s := range rec.Suggestions {
		fmt.Fprintf(status, "  - %s\n", s)
	}
	return fmt.Errorf("build %s#%d finished with status %s", rec.JobName, rec.BuildNumber, rec.Status)
}
