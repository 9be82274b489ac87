package cmds

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/vrf-timer/pkg/presenter"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
	"github.com/go-go-golems/vrf-timer/pkg/webui"
)

func newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Track requests and serve the timeline web page",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if listen != "" {
				s.ListenAddr = listen
			}
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, s, runtimeOptions{
				live:       true,
				presenters: []tracker.Presenter{presenter.NewLogPresenter(log.Logger)},
			})
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.preflight(ctx)

			web := webui.NewServer(rt.session, s.ListenAddr)
			rt.session.AddPresenter(web)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rt.runLive(gctx) })
			g.Go(func() error { return web.Run(gctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides listen_addr)")
	return cmd
}
