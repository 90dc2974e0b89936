// Package config reads the dispatcher settings from the environment. A .env
// file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	HTTPPort       string

	KafkaBrokers []string
	KafkaGroupID string
	PostgresURL  string
	// NATSURL is optional; without it cache invalidations stay local and
	// dead-letter alerts are only logged.
	NATSURL string

	Jobs     JobsConfig
	Cache    CacheConfig
	Rotation RotationConfig
	Push     PushConfig
	Webhook  WebhookConfig
	Partner  PartnerConfig
	Dispatch DispatchConfig
}

type JobsConfig struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

type CacheConfig struct {
	TTL         time.Duration
	LoadTimeout time.Duration
}

type RotationConfig struct {
	Policy string
	// Store is "postgres" or "memory". Memory rings are per process and only
	// suit a single replica.
	Store string
}

type PushConfig struct {
	ProjectID string
	// CredentialsFile is a service account key. AccessToken is used instead
	// when set, which is handy against a local gateway stub.
	CredentialsFile string
	AccessToken     string
	Endpoint        string
	Timeout         time.Duration
	MaxAttempts     int
	Concurrency     int
	OfferTitle      string
}

type WebhookConfig struct {
	Token       string
	Timeout     time.Duration
	MaxAttempts int
}

type PartnerConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
}

type DispatchConfig struct {
	EscalateAfter   time.Duration
	RecheckInterval time.Duration
	MaxRechecks     int
	SweepSchedule   string
	SweepBatch      int
}

// Load reads the configuration. Missing required variables and unparsable
// values are reported together.
func Load() (Config, error) {
	_ = godotenv.Load()

	r := &reader{}
	cfg := Config{
		ServiceName:    r.str("OTEL_SERVICE_NAME", "courier-dispatch"),
		ServiceVersion: r.str("SERVICE_VERSION", "dev"),
		HTTPPort:       r.str("HTTP_PORT", "8080"),

		KafkaBrokers: r.list("KAFKA_BROKERS"),
		KafkaGroupID: r.str("KAFKA_GROUP_ID", "courier-dispatch"),
		PostgresURL:  r.required("POSTGRES_URL"),
		NATSURL:      r.str("NATS_URL", ""),

		Jobs: JobsConfig{
			MaxAttempts:    uint(r.int("JOB_MAX_ATTEMPTS", 5)),
			InitialBackoff: r.duration("JOB_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     r.duration("JOB_MAX_BACKOFF", 30*time.Second),
			AttemptTimeout: r.duration("JOB_ATTEMPT_TIMEOUT", 15*time.Second),
		},
		Cache: CacheConfig{
			TTL:         r.duration("CACHE_TTL", 5*time.Minute),
			LoadTimeout: r.duration("CACHE_LOAD_TIMEOUT", 3*time.Second),
		},
		Rotation: RotationConfig{
			Policy: r.str("ROTATION_POLICY", "round_robin"),
			Store:  r.str("ROTATION_STORE", "postgres"),
		},
		Push: PushConfig{
			ProjectID:       r.str("FCM_PROJECT_ID", ""),
			CredentialsFile: r.str("FCM_CREDENTIALS_FILE", ""),
			AccessToken:     r.str("FCM_ACCESS_TOKEN", ""),
			Endpoint:        r.str("FCM_ENDPOINT", "https://fcm.googleapis.com"),
			Timeout:         r.duration("FCM_TIMEOUT", 5*time.Second),
			MaxAttempts:     r.int("FCM_MAX_ATTEMPTS", 2),
			Concurrency:     r.int("FANOUT_CONCURRENCY", 8),
			OfferTitle:      r.str("OFFER_TITLE", "New order"),
		},
		Webhook: WebhookConfig{
			Token:       r.str("WEBHOOK_TOKEN", ""),
			Timeout:     r.duration("WEBHOOK_TIMEOUT", 5*time.Second),
			MaxAttempts: r.int("WEBHOOK_MAX_ATTEMPTS", 1),
		},
		Partner: PartnerConfig{
			BaseURL:     r.str("PARTNER_URL", ""),
			Token:       r.str("PARTNER_TOKEN", ""),
			Timeout:     r.duration("PARTNER_TIMEOUT", 10*time.Second),
			MaxAttempts: r.int("PARTNER_MAX_ATTEMPTS", 1),
		},
		Dispatch: DispatchConfig{
			EscalateAfter:   r.duration("ESCALATE_AFTER", 10*time.Minute),
			RecheckInterval: r.duration("RECHECK_INTERVAL", 30*time.Second),
			MaxRechecks:     r.int("MAX_RECHECKS", 5),
			SweepSchedule:   r.str("SWEEP_SCHEDULE", "*/15 * * * * *"),
			SweepBatch:      r.int("SWEEP_BATCH", 500),
		},
	}

	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, nil
}

type reader struct {
	err error
}

func (r *reader) fail(err error) {
	r.err = errors.Join(r.err, err)
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v := os.Getenv(key)
	if v == "" {
		r.fail(fmt.Errorf("%s environment variable is required", key))
	}
	return v
}

func (r *reader) list(key string) []string {
	raw := r.required(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		r.fail(fmt.Errorf("%s: invalid non-negative integer %q", key, v))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.fail(fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
