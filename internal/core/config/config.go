package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type ScoutCfg struct {
	Driver     string // replay | http | kafka
	FeedURL    string
	ReplayPath string
	Brokers    string
	Topic      string
	GroupID    string
	Strict     bool
}

type RedisCfg struct {
	Enabled bool
	Addr    string
	TTL     time.Duration
}

type Config struct {
	Addr     string
	LogLevel string

	NetworkPath   string
	FloodmapsDir  string
	SheltersPath  string
	GazetteerPath string

	RasterCacheTiles int

	CollectPeriod  time.Duration
	SourceTimeout  time.Duration
	RiverGaugeURL  string
	WeatherURL     string
	DamStatusURL   string
	StaticFeedPath string

	Scout ScoutCfg
	Redis RedisCfg

	MissionTimeout time.Duration
	DrainTimeout   time.Duration
}

func FromEnv() Config {
	period := getduration("COLLECT_PERIOD", 300*time.Second)
	if period < 10*time.Second {
		period = 10 * time.Second
	}

	return Config{
		Addr:     getenv("ADDR", ":8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		NetworkPath:   getenv("NETWORK_PATH", "data/marikina-network.json"),
		FloodmapsDir:  getenv("FLOODMAPS_DIR", "data/floodmaps"),
		SheltersPath:  getenv("SHELTERS_PATH", "data/shelters.csv"),
		GazetteerPath: getenv("GAZETTEER_PATH", "data/gazetteer.csv"),

		RasterCacheTiles: getint("RASTER_CACHE_TILES", 16),

		CollectPeriod:  period,
		SourceTimeout:  getduration("SOURCE_TIMEOUT", 15*time.Second),
		RiverGaugeURL:  getenv("RIVER_GAUGE_URL", ""),
		WeatherURL:     getenv("WEATHER_URL", ""),
		DamStatusURL:   getenv("DAM_STATUS_URL", ""),
		StaticFeedPath: getenv("STATIC_FEED_PATH", ""),

		Scout: ScoutCfg{
			Driver:     strings.ToLower(getenv("SCOUT_DRIVER", "replay")),
			FeedURL:    getenv("SCOUT_FEED_URL", ""),
			ReplayPath: getenv("SCOUT_REPLAY_PATH", "data/scout-replay.json"),
			Brokers:    getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:      getenv("KAFKA_TOPIC", "scout-reports"),
			GroupID:    getenv("KAFKA_GROUP_ID", "floodroute-scout"),
			Strict:     getbool("SCOUT_STRICT", false),
		},
		Redis: RedisCfg{
			Enabled: getbool("REDIS_ENABLED", false),
			Addr:    getenv("REDIS_ADDR", "localhost:6379"),
			TTL:     getduration("REDIS_SNAPSHOT_TTL", time.Hour),
		},

		MissionTimeout: getduration("MISSION_TIMEOUT", 60*time.Second),
		DrainTimeout:   getduration("DRAIN_TIMEOUT", 5*time.Second),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
