package cmds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/vrf-timer/pkg/presenter"
	"github.com/go-go-golems/vrf-timer/pkg/timeline"
)

func newBackfillCommand() *cobra.Command {
	var (
		from, to uint64
		output   string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Load recent requests from the chain, print them and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, s, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if cmd.Flags().Changed("from") || cmd.Flags().Changed("to") {
				if !cmd.Flags().Changed("to") {
					latest, err := rt.contract.Latest(ctx)
					if err != nil {
						return errors.Wrap(err, "latest block")
					}
					to = latest
				}
				err = rt.session.BackfillRange(ctx, from, to)
			} else {
				err = rt.session.Backfill(ctx)
			}
			if err != nil {
				return err
			}

			records := rt.session.Snapshot()
			now := time.Now()
			w := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(timeline.Views(records, now))
			case "plain":
				_, err = fmt.Fprint(w, presenter.RenderPlain(records, now))
			case "table", "":
				if stdoutIsTerminal() {
					_, err = fmt.Fprintln(w, presenter.RenderTable(records, now))
				} else {
					_, err = fmt.Fprint(w, presenter.RenderPlain(records, now))
				}
			default:
				return errors.Errorf("unknown output %q (want table, plain or json)", output)
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "First block of the range")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last block of the range (default latest)")
	cmd.Flags().StringVar(&output, "output", "table", "Output format: table, plain or json")
	return cmd
}
