package cmds

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/vrf-timer/pkg/presenter"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Track requests live in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			interactive := stdoutIsTerminal()
			var p tracker.Presenter
			board := presenter.NewBoard()
			if interactive {
				p = board
			} else {
				p = presenter.NewLogPresenter(log.Logger)
			}

			rt, err := newRuntime(ctx, s, runtimeOptions{live: true, presenters: []tracker.Presenter{p}})
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.preflight(ctx)

			if !interactive {
				return rt.runLive(ctx)
			}

			// Log lines would tear the alternate screen; keep them only when a log
			// file was requested.
			if flags.logFile == "" {
				log.Logger = zerolog.Nop()
			}

			var opts []presenter.TUIOption
			if acct, _ := s.AccountAddress(); !acct.IsZero() {
				opts = append(opts, presenter.WithSubmit(func(ctx context.Context) error {
					_, err := rt.session.Submit(ctx)
					return err
				}))
			}
			board.SetStatus("contract " + presenter.FormatAddress(rt.contract.Address()) + " via " + s.RPCURL)
			tui := presenter.NewTUI(board, append(opts, presenter.WithIO(os.Stdin, os.Stdout))...)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error { return rt.runLive(gctx) })
			g.Go(func() error {
				defer cancel()
				return tui.Run(gctx)
			})
			return g.Wait()
		},
	}
}
