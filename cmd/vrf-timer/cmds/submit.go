package cmds

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
	"github.com/go-go-golems/vrf-timer/pkg/presenter"
	"github.com/go-go-golems/vrf-timer/pkg/timeline"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
)

func newSubmitCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Request one random number and wait for its fulfillment",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if acct, _ := s.AccountAddress(); acct.IsZero() {
				return errors.New("submit needs an account (config account or VRFTIMER_ACCOUNT)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			done := make(chan timeline.Record, 1)
			var key occurrence.Hash
			keySet := make(chan struct{})
			watcher := tracker.PresenterFuncs{
				OnSnapshot: func(records []timeline.Record) {
					select {
					case <-keySet:
					default:
						return
					}
					for _, rec := range records {
						if rec.SubmissionKey != key || rec.State() == timeline.StateRunning {
							continue
						}
						select {
						case done <- rec:
						default:
						}
					}
				},
			}

			rt, err := newRuntime(ctx, s, runtimeOptions{live: true, presenters: []tracker.Presenter{watcher}})
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.preflight(ctx)

			liveCtx, stopLive := context.WithCancel(ctx)
			liveDone := make(chan error, 1)
			go func() { liveDone <- rt.superviseLive(liveCtx) }()
			defer func() {
				stopLive()
				<-liveDone
			}()

			select {
			case <-rt.session.LiveReady():
			case err := <-liveDone:
				liveDone <- err
				return errors.Wrap(err, "live subscriptions")
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "waiting for live subscriptions")
			}

			rec, err := rt.session.Submit(ctx)
			if err != nil {
				return err
			}
			key = rec.SubmissionKey
			close(keySet)
			log.Info().Str("component", "cmd").Str("tx", key.Hex()).Msg("waiting for fulfillment")

			// The record may have settled before the watcher saw the key.
			if cur, ok := rt.session.LookupSubmission(key); ok && cur.State() != timeline.StateRunning {
				rec = cur
			} else {
				select {
				case rec = <-done:
				case <-ctx.Done():
					return errors.Wrapf(ctx.Err(), "request %s not fulfilled", key.Hex())
				}
			}

			w := cmd.OutOrStdout()
			if rec.State() == timeline.StateFailed {
				return errors.Errorf("request %s failed: %s", key.Hex(), rec.Failure)
			}
			_, err = fmt.Fprintf(w, "request %s fulfilled with %s in %s s\n",
				presenter.FormatRequestID(rec.RequestID), rec.Result.String(), presenter.FormatElapsed(rec.Elapsed(rec.EndTime)))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up waiting after this long")
	return cmd
}
