package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/vrf-timer/pkg/bus"
	"github.com/go-go-golems/vrf-timer/pkg/redisstream"
)

func newRelayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward live contract occurrences to Redis Streams for other trackers",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if !s.Redis.Enabled {
				return errors.New("relay needs redis.enabled; an in-memory bus has no other consumers")
			}
			ctx := cmd.Context()

			contract, err := dialContract(ctx, s)
			if err != nil {
				return err
			}
			defer func() { _ = contract.Close() }()

			ps, err := redisstream.Build(s.Redis)
			if err != nil {
				return errors.Wrap(err, "build redis transport")
			}
			defer func() { _ = ps.Close() }()

			log.Info().Str("component", "relay").
				Str("redis", s.Redis.Addr).
				Str("topic_prefix", s.TopicPrefix).
				Msg("relaying contract occurrences")
			return superviseRelay(ctx, contract, bus.NewPublisher(ps.Publisher, s.TopicPrefix), s.ReconnectDelay)
		},
	}
}
