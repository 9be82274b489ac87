// Package config loads tracker settings from defaults, a YAML file, a .env file
// and VRFTIMER_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
	"github.com/go-go-golems/vrf-timer/pkg/redisstream"
)

const (
	SourceChain = "chain"
	SourceBus   = "bus"

	EnvPrefix = "VRFTIMER_"

	DefaultRPCURL   = "wss://api.avax-test.network/ext/bc/C/ws"
	DefaultContract = "0xDF2F72B1C3077EfB4F829a9dd5937A92263f6AFA"
)

type LatencyDB struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Settings struct {
	RPCURL              string               `yaml:"rpc_url"`
	Contract            string               `yaml:"contract"`
	Account             string               `yaml:"account"`
	BackfillWindow      uint64               `yaml:"backfill_window"`
	TickInterval        time.Duration        `yaml:"tick_interval"`
	ResolveConcurrency  int                  `yaml:"resolve_concurrency"`
	Source              string               `yaml:"source"`
	TopicPrefix         string               `yaml:"topic_prefix"`
	Redis               redisstream.Settings `yaml:"redis"`
	ListenAddr          string               `yaml:"listen_addr"`
	LatencyDB           LatencyDB            `yaml:"latency_db"`
	ReceiptPollInterval time.Duration        `yaml:"receipt_poll_interval"`
	ReconnectDelay      time.Duration        `yaml:"reconnect_delay"`
}

func Default() Settings {
	return Settings{
		RPCURL:              DefaultRPCURL,
		Contract:            DefaultContract,
		BackfillWindow:      occurrence.MaxRange,
		TickInterval:        100 * time.Millisecond,
		ResolveConcurrency:  8,
		Source:              SourceChain,
		TopicPrefix:         "vrf",
		Redis:               redisstream.DefaultSettings(),
		ListenAddr:          ":8080",
		LatencyDB:           LatencyDB{Driver: "sqlite3"},
		ReceiptPollInterval: 2 * time.Second,
		ReconnectDelay:      5 * time.Second,
	}
}

type LoadOptions struct {
	// Path is an explicit config file. A missing explicit file is an error.
	Path string
	// EnvFile defaults to ".env"; a missing file is ignored.
	EnvFile string
	// Environ defaults to os.Environ.
	Environ []string
}

// DefaultPath returns $XDG_CONFIG_HOME/vrf-timer/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vrf-timer", "config.yaml")
}

func Load(opts LoadOptions) (Settings, error) {
	s := Default()

	path := opts.Path
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return Settings{}, errors.Wrapf(err, "parse config %s", path)
			}
			log.Debug().Str("component", "config").Str("path", path).Msg("loaded config file")
		case explicit || !os.IsNotExist(err):
			return Settings{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	env := map[string]string{}
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if dotenv, err := godotenv.Read(envFile); err == nil {
		for k, v := range dotenv {
			env[k] = v
		}
	} else if !os.IsNotExist(errors.Cause(err)) {
		log.Debug().Err(err).Str("component", "config").Str("path", envFile).Msg("failed to load .env file")
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}
	if err := s.applyEnv(env); err != nil {
		return Settings{}, err
	}
	s.Normalize()
	return s, nil
}

func (s *Settings) applyEnv(env map[string]string) error {
	str := func(name string, dst *string) {
		if v, ok := env[EnvPrefix+name]; ok && v != "" {
			*dst = v
		}
	}
	var err error
	dur := func(name string, dst *time.Duration) {
		if v, ok := env[EnvPrefix+name]; ok && v != "" && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = errors.Wrapf(perr, "%s%s", EnvPrefix, name)
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := env[EnvPrefix+name]; ok && v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.Wrapf(perr, "%s%s", EnvPrefix, name)
				return
			}
			*dst = n
		}
	}

	str("RPC_URL", &s.RPCURL)
	str("CONTRACT", &s.Contract)
	str("ACCOUNT", &s.Account)
	str("SOURCE", &s.Source)
	str("TOPIC_PREFIX", &s.TopicPrefix)
	str("LISTEN_ADDR", &s.ListenAddr)
	str("REDIS_ADDR", &s.Redis.Addr)
	str("REDIS_GROUP", &s.Redis.Group)
	str("REDIS_CONSUMER", &s.Redis.Consumer)
	str("LATENCY_DB_DRIVER", &s.LatencyDB.Driver)
	str("LATENCY_DB_DSN", &s.LatencyDB.DSN)
	dur("TICK_INTERVAL", &s.TickInterval)
	dur("RECEIPT_POLL_INTERVAL", &s.ReceiptPollInterval)
	dur("RECONNECT_DELAY", &s.ReconnectDelay)
	integer("RESOLVE_CONCURRENCY", &s.ResolveConcurrency)

	if v, ok := env[EnvPrefix+"BACKFILL_WINDOW"]; ok && v != "" && err == nil {
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return errors.Wrapf(perr, "%sBACKFILL_WINDOW", EnvPrefix)
		}
		s.BackfillWindow = n
	}
	if v, ok := env[EnvPrefix+"REDIS_ENABLED"]; ok && v != "" && err == nil {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return errors.Wrapf(perr, "%sREDIS_ENABLED", EnvPrefix)
		}
		s.Redis.Enabled = b
	}
	return err
}

// Normalize caps the backfill window and lowercases enum values.
func (s *Settings) Normalize() {
	if s.BackfillWindow > occurrence.MaxRange {
		log.Debug().Str("component", "config").Uint64("requested", s.BackfillWindow).Uint64("max", occurrence.MaxRange).Msg("capping backfill window")
		s.BackfillWindow = occurrence.MaxRange
	}
	s.Source = strings.ToLower(strings.TrimSpace(s.Source))
	s.LatencyDB.Driver = strings.ToLower(strings.TrimSpace(s.LatencyDB.Driver))
}

func (s Settings) Validate() error {
	switch s.Source {
	case SourceChain:
		if s.RPCURL == "" {
			return errors.New("rpc_url is required when source is chain")
		}
	case SourceBus:
	default:
		return errors.Errorf("unknown source %q (want chain or bus)", s.Source)
	}
	if _, err := s.ContractAddress(); err != nil {
		return err
	}
	if s.Account != "" {
		if _, err := s.AccountAddress(); err != nil {
			return err
		}
	}
	if s.BackfillWindow == 0 {
		return errors.New("backfill_window must be positive")
	}
	if s.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if s.ResolveConcurrency <= 0 {
		return errors.New("resolve_concurrency must be positive")
	}
	if s.LatencyDB.DSN != "" {
		switch s.LatencyDB.Driver {
		case "sqlite3", "postgres":
		default:
			return errors.Errorf("unsupported latency_db driver %q", s.LatencyDB.Driver)
		}
	}
	return nil
}

func (s Settings) ContractAddress() (occurrence.Address, error) {
	a, err := occurrence.ParseAddress(s.Contract)
	if err != nil {
		return occurrence.Address{}, errors.Wrapf(err, "contract %q", s.Contract)
	}
	if a.IsZero() {
		return occurrence.Address{}, errors.New("contract address is zero")
	}
	return a, nil
}

func (s Settings) AccountAddress() (occurrence.Address, error) {
	if s.Account == "" {
		return occurrence.Address{}, nil
	}
	a, err := occurrence.ParseAddress(s.Account)
	if err != nil {
		return occurrence.Address{}, errors.Wrapf(err, "account %q", s.Account)
	}
	return a, nil
}
