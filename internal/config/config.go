package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
	LogLevel  string
}

type NodeConfig struct {
	Name      string
	Host      string
	Port      int
	AdminPort int
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type WorkerConfig struct {
	Count             int
	Tags              []string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
	StatusQueue       string
}

type SchedulerConfig struct {
	TickInterval       time.Duration
	RebalanceFrequency time.Duration
	LockTimeout        time.Duration
	StatusDrainTimeout time.Duration
	LeaderTTL          time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/funtask")

	// Set defaults
	setDefaults()

	// Environment variable binding
	viper.SetEnvPrefix("FUNTASK")
	viper.AutomaticEnv()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Node defaults
	viper.SetDefault("node.name", "")
	viper.SetDefault("node.host", "0.0.0.0")
	viper.SetDefault("node.port", 9090)
	viper.SetDefault("node.adminport", 9091)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	// Worker defaults
	viper.SetDefault("worker.count", 4)
	viper.SetDefault("worker.tags", []string{})
	viper.SetDefault("worker.heartbeatinterval", 1*time.Second)
	viper.SetDefault("worker.heartbeattimeout", 15*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)
	viper.SetDefault("worker.statusqueue", "status_queue")

	// Scheduler defaults
	viper.SetDefault("scheduler.tickinterval", 100*time.Millisecond)
	viper.SetDefault("scheduler.rebalancefrequency", 1*time.Minute)
	viper.SetDefault("scheduler.locktimeout", 10*time.Second)
	viper.SetDefault("scheduler.statusdraintimeout", 50*time.Millisecond)
	viper.SetDefault("scheduler.leaderttl", 5*time.Second)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
