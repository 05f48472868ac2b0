package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// The consumer replays the position firehose into a geo index replica.
// It lets a standby region (or a rebuilt Redis) catch up to the live
// driver picture without touching the API servers.

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total position pings consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful geo index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total geo index errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := splitEnv(os.Getenv("KAFKA_BROKERS"), "localhost:9092")
	topic := getenv("KAFKA_TOPIC", "driver-locations")
	group := getenv("KAFKA_GROUP", "ride-dispatch-indexer")
	geoKey := getenv("REDIS_GEO_KEY", "driver_locations")
	statusTTL := time.Hour
	if v := os.Getenv("DRIVER_STATUS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			statusTTL = d
		}
	}

	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	idx := &redisIndexer{c: rc, geoKey: geoKey, statusTTL: statusTTL}

	var mirror *sql.DB
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Printf("mirror db open error: %v", err)
		} else {
			mirror = db
			defer db.Close()
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ping models.PositionPing
		if err := json.Unmarshal(m.Value, &ping); err != nil || ping.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}
		if !(models.Coord{Lat: ping.Lat, Lng: ping.Lng}).Valid() {
			msgsInvalid.Inc()
			continue
		}

		if err := indexWithRetry(ctx, idx, ping, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			log.Printf("index update failed for driver=%s: %v", ping.DriverID, err)
			continue
		}
		indexUpdates.Inc()

		if mirror != nil {
			if _, err := mirror.ExecContext(ctx, `UPDATE drivers SET lat=$1, lng=$2, position_at=$3 WHERE id=$4`,
				ping.Lat, ping.Lng, ping.ReportedAt, ping.DriverID); err != nil {
				log.Printf("mirror update failed for driver=%s: %v", ping.DriverID, err)
			}
		}
	}
}

// GeoIndexer is the subset of index operations the consumer needs; the
// tests swap in a fake.
type GeoIndexer interface {
	Index(ctx context.Context, ping models.PositionPing) error
}

type redisIndexer struct {
	c         *redis.Client
	geoKey    string
	statusTTL time.Duration
}

func (r *redisIndexer) Index(ctx context.Context, ping models.PositionPing) error {
	if err := r.c.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: ping.Lng,
		Latitude:  ping.Lat,
		Name:      ping.DriverID,
	}).Err(); err != nil {
		return err
	}
	return r.c.Set(ctx, "driver:status:"+ping.DriverID, "active", r.statusTTL).Err()
}

// indexWithRetry writes one ping with bounded retry and backoff.
func indexWithRetry(ctx context.Context, idx GeoIndexer, ping models.PositionPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Index(ctx, ping); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func splitEnv(v, def string) []string {
	if v == "" {
		v = def
	}
	out := []string{}
	for _, b := range strings.Split(v, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}
