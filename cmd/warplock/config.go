package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/joho/godotenv"
	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/presets"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

type config struct {
	Redis         []string
	Password      string
	DB            int
	Lease         time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Drift         float64
	LogLevel      string
	Trace         bool
	Bus           string
	NATSURL       string
	KafkaBrokers  []string
}

func setupFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringSlice("redis", []string{"localhost:6379"}, "Redis addresses; more than one enables quorum locking")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.Duration("lease", 30*time.Second, "lock lease")
	f.Int("retry-attempts", lock.DefaultRetryAttempts, "acquisition rounds")
	f.Duration("retry-delay", lock.DefaultRetryDelay, "delay between acquisition rounds")
	f.Float64("drift", lock.DefaultDriftFactor, "share of the lease reserved for clock drift")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("trace", false, "print OpenTelemetry spans to stderr")
	f.String("bus", "redis", "unlock notification bus (redis, nats, kafka, none)")
	f.String("nats-url", nats.DefaultURL, "NATS server for --bus=nats")
	f.StringSlice("kafka-brokers", []string{"localhost:9092"}, "Kafka brokers for --bus=kafka")
}

// loadConfig reads .env files, then resolves every flag against its
// WARPLOCK_* environment variable. Explicit flags win.
func loadConfig(v *viper.Viper, cmd *cobra.Command) (config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("warplock")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config{}, err
	}
	return config{
		Redis:         v.GetStringSlice("redis"),
		Password:      v.GetString("redis-password"),
		DB:            v.GetInt("redis-db"),
		Lease:         v.GetDuration("lease"),
		RetryAttempts: v.GetInt("retry-attempts"),
		RetryDelay:    v.GetDuration("retry-delay"),
		Drift:         v.GetFloat64("drift"),
		LogLevel:      v.GetString("log-level"),
		Trace:         v.GetBool("trace"),
		Bus:           v.GetString("bus"),
		NATSURL:       v.GetString("nats-url"),
		KafkaBrokers:  v.GetStringSlice("kafka-brokers"),
	}, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// installTracing sends spans to stderr and returns the flush function.
func installTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func (c config) lockOptions(logger *slog.Logger) []lock.Option {
	return []lock.Option{
		lock.WithLease(c.Lease),
		lock.WithRetry(c.RetryAttempts, c.RetryDelay),
		lock.WithDriftFactor(c.Drift),
		lock.WithLogger(logger),
	}
}

// newBus builds the bus named by --bus. A nil bus means the preset
// default; the returned close function may be nil.
func (c config) newBus() (syncbus.Bus, func() error, error) {
	switch c.Bus {
	case "", "redis":
		return nil, nil, nil
	case "none":
		return noBus{}, nil, nil
	case "nats":
		conn, err := nats.Connect(c.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return syncbus.NewNATSBus(conn), func() error { conn.Close(); return nil }, nil
	case "kafka":
		b, err := syncbus.NewKafkaBus(c.KafkaBrokers, sarama.NewConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("connect kafka: %w", err)
		}
		return b, b.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown bus %q", c.Bus)
}

// openSetup connects the stores and the bus described by c.
func (c config) openSetup(logger *slog.Logger) (*presets.Setup, func(), error) {
	bus, closeBus, err := c.newBus()
	if err != nil {
		return nil, nil, err
	}
	opts := c.lockOptions(logger)
	if bus != nil {
		opts = append(opts, lock.WithBus(bus))
	}

	servers := make([]presets.RedisOptions, len(c.Redis))
	for i, addr := range c.Redis {
		servers[i] = presets.RedisOptions{Addr: addr, Password: c.Password, DB: c.DB}
	}
	var s *presets.Setup
	if len(servers) == 1 {
		s, err = presets.NewRedis(servers[0], opts...)
	} else {
		s, err = presets.NewRedisQuorum(servers, opts...)
	}
	if err != nil {
		if closeBus != nil {
			_ = closeBus()
		}
		return nil, nil, err
	}
	if bus != nil {
		s.Bus = bus
	}
	cleanup := func() {
		if err := s.Close(); err != nil {
			logger.Warn("close stores", "err", err)
		}
		if closeBus != nil {
			_ = closeBus()
		}
	}
	return s, cleanup, nil
}

// noBus drops every event.
type noBus struct{}

func (noBus) Publish(context.Context, string) error { return nil }

func (noBus) Subscribe(context.Context, string) (chan struct{}, error) {
	return make(chan struct{}), nil
}

func (noBus) Unsubscribe(context.Context, string, chan struct{}) error { return nil }
