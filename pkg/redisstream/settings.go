package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "vrf-timer",
		Consumer: "timer-1",
	}
}
