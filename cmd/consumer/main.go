package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/config"
	"github.com/speedyvan/dispatch/internal/geo"
	"github.com/speedyvan/dispatch/internal/logging"
	"github.com/speedyvan/dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg := config.LoadConsumerConfig()
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "dispatch-location-consumer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	updater := &redisAdapter{c: rc}

	go serveHealth(metricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup),
	)
	consume(ctx, r, updater, cfg.RedisGeoKey, logger)
}

func serveHealth(addr string, rc *redis.Client, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is cancelled. Read errors back off exponentially;
// undecodable messages are counted and skipped.
func consume(ctx context.Context, r messageReader, rc RedisUpdater, geoKey string, logger *zap.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		loc, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}
		if err := updateRedisWithRetry(ctx, rc, geoKey, loc, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", zap.String("driver_id", loc.DriverID), zap.Error(err))
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeLocation(b []byte) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return loc, err
	}
	if loc.DriverID == "" {
		return loc, errors.New("missing driver_id")
	}
	if !loc.Loc.Known() {
		return loc, errors.New("missing position")
	}
	return loc, nil
}

// RedisUpdater is the subset of redis operations the consumer needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry writes the position into the GEO set the API reads
// and stamps the driver's meta hash, retrying with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, loc models.DriverLocation, attempts int, delay time.Duration) error {
	updated := loc.Updated
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID})
		if err != nil {
			continue
		}
		err = rc.HSet(ctx, geo.MetaKey(loc.DriverID), map[string]interface{}{"updated": updated.Format(time.RFC3339)})
		if err == nil {
			return nil
		}
	}
	return err
}
