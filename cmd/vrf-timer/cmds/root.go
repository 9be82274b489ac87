package cmds

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/vrf-timer/pkg/config"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFile    string
	withCaller bool
	rpcURL     string
	contract   string
	source     string
}

var flags globalFlags

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vrf-timer",
		Short:         "vrf-timer measures the round trip of oracle randomness requests",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(flags.logLevel, flags.logFile, flags.withCaller)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/vrf-timer/config.yaml)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Dotenv file with VRFTIMER_* overrides")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Global log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.BoolVar(&flags.withCaller, "with-caller", false, "Include caller (file:line) in logs")
	pf.StringVar(&flags.rpcURL, "rpc-url", "", "Websocket JSON-RPC endpoint")
	pf.StringVar(&flags.contract, "contract", "", "Oracle consumer contract address")
	pf.StringVar(&flags.source, "source", "", "Live occurrence source: chain or bus")

	rootCmd.AddCommand(
		newServeCommand(),
		newWatchCommand(),
		newBackfillCommand(),
		newSubmitCommand(),
		newRelayCommand(),
		newStatsCommand(),
	)
	return rootCmd
}

func initLogger(level, file string, withCaller bool) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		l, err := zerolog.ParseLevel(level)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", level)
		}
		lvl = l
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		out = f
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if withCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}

// loadSettings merges the config file, env and command line overrides.
func loadSettings() (config.Settings, error) {
	s, err := config.Load(config.LoadOptions{Path: flags.configPath, EnvFile: flags.envFile})
	if err != nil {
		return config.Settings{}, err
	}
	if flags.rpcURL != "" {
		s.RPCURL = flags.rpcURL
	}
	if flags.contract != "" {
		s.Contract = flags.contract
	}
	if flags.source != "" {
		s.Source = flags.source
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return config.Settings{}, errors.Wrap(err, "invalid configuration")
	}
	return s, nil
}

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}
