package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	GCS          GCSConfig
	PubSub       PubSubConfig
	Transcribe   TranscribeConfig
	OpenAI       OpenAIConfig
	Sendgrid     SendgridConfig
	Pipeline     PipelineConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"VOICENOTE_APP_ENV" required:"true"`
	Port         string `envconfig:"VOICENOTE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"VOICENOTE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VOICENOTE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"VOICENOTE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"VOICENOTE_DB_DSN"`
	Driver string `envconfig:"VOICENOTE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"VOICENOTE_DB_HOST"`
	LegacyPort     int    `envconfig:"VOICENOTE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"VOICENOTE_DB_USER"`
	LegacyPassword string `envconfig:"VOICENOTE_DB_PASSWORD"`
	LegacyName     string `envconfig:"VOICENOTE_DB_NAME"`
	LegacySSLMode  string `envconfig:"VOICENOTE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"VOICENOTE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"VOICENOTE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"VOICENOTE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VOICENOTE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"VOICENOTE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"VOICENOTE_REDIS_ADDR"`
	Password     string        `envconfig:"VOICENOTE_REDIS_PASSWORD"`
	DB           int           `envconfig:"VOICENOTE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"VOICENOTE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VOICENOTE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VOICENOTE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VOICENOTE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VOICENOTE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"VOICENOTE_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"VOICENOTE_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"VOICENOTE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"VOICENOTE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName      string        `envconfig:"VOICENOTE_GCS_BUCKET_NAME" required:"true"`
	AudioPrefix     string        `envconfig:"VOICENOTE_GCS_AUDIO_PREFIX" default:"audio/"`
	UploadURLExpiry time.Duration `envconfig:"VOICENOTE_GCS_UPLOAD_URL_EXPIRY" default:"15m"`
}

type PubSubConfig struct {
	AudioTopic                string `envconfig:"VOICENOTE_PUBSUB_AUDIO_TOPIC"`
	AudioSubscription         string `envconfig:"VOICENOTE_PUBSUB_AUDIO_SUBSCRIPTION" required:"true"`
	TranscriptionTopic        string `envconfig:"VOICENOTE_PUBSUB_TRANSCRIPTION_TOPIC"`
	TranscriptionSubscription string `envconfig:"VOICENOTE_PUBSUB_TRANSCRIPTION_SUBSCRIPTION" required:"true"`
}

type TranscribeConfig struct {
	BaseURL        string        `envconfig:"VOICENOTE_TRANSCRIBE_BASE_URL"`
	OutputPrefix   string        `envconfig:"VOICENOTE_TRANSCRIBE_OUTPUT_PREFIX" default:"transcripts/"`
	LanguageCode   string        `envconfig:"VOICENOTE_TRANSCRIBE_LANGUAGE" default:"en-US"`
	RequestTimeout time.Duration `envconfig:"VOICENOTE_TRANSCRIBE_TIMEOUT" default:"30s"`
}

type OpenAIConfig struct {
	APIKey         string        `envconfig:"VOICENOTE_OPENAI_API_KEY"`
	Model          string        `envconfig:"VOICENOTE_OPENAI_MODEL" default:"gpt-4o-mini"`
	RequestTimeout time.Duration `envconfig:"VOICENOTE_OPENAI_TIMEOUT" default:"60s"`
}

type SendgridConfig struct {
	APIKey           string        `envconfig:"VOICENOTE_SENDGRID_API_KEY"`
	DefaultFrom      string        `envconfig:"VOICENOTE_SENDGRID_FROM_EMAIL" required:"true"`
	DefaultRecipient string        `envconfig:"VOICENOTE_SENDGRID_DEFAULT_RECIPIENT" required:"true"`
	RequestTimeout   time.Duration `envconfig:"VOICENOTE_SENDGRID_TIMEOUT" default:"30s"`
}

type PipelineConfig struct {
	MaxAttempts     int           `envconfig:"VOICENOTE_PIPELINE_MAX_ATTEMPTS" default:"3"`
	BackoffBase     time.Duration `envconfig:"VOICENOTE_PIPELINE_BACKOFF_BASE" default:"2s"`
	RecipientTTL    time.Duration `envconfig:"VOICENOTE_PIPELINE_RECIPIENT_TTL" default:"24h"`
	IdempotencyTTL  time.Duration `envconfig:"VOICENOTE_PIPELINE_IDEMPOTENCY_TTL" default:"720h"`
	DeliverySubject string        `envconfig:"VOICENOTE_PIPELINE_DELIVERY_SUBJECT" default:"Your voice note"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
