package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/vrf-timer/pkg/config"
	"github.com/go-go-golems/vrf-timer/pkg/persistence/latencystore"
	"github.com/go-go-golems/vrf-timer/pkg/presenter"
)

func newStatsCommand() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print round-trip statistics from the latency store",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(config.LoadOptions{Path: flags.configPath, EnvFile: flags.envFile})
			if err != nil {
				return err
			}
			if s.LatencyDB.DSN == "" {
				return errors.New("no latency store configured (latency_db.dsn or VRFTIMER_LATENCY_DB_DSN)")
			}
			store, err := latencystore.Open(s.LatencyDB.Driver, s.LatencyDB.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			var entries []latencystore.Entry
			if recent > 0 {
				entries, err = store.Recent(ctx, recent)
				if err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), presenter.RenderStats(stats, entries, stdoutIsTerminal()))
			return err
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "Also list the most recent N round trips")
	return cmd
}
