package config

import (
	"fmt"
	"strings"
	"time"

	"eventcore/pkg/validator"

	"github.com/spf13/viper"
)

type Config struct {
	Server       Server         `mapstructure:"server"`
	Postgres     Postgres       `mapstructure:"postgres"`
	Broker       Broker         `mapstructure:"broker"`
	Publisher    Publisher      `mapstructure:"publisher"`
	Cron         Cron           `mapstructure:"cron"`
	Relay        RelayConfig    `mapstructure:"relay"`
	Listener     ListenerConfig `mapstructure:"listener"`
	EventStore   EventStore     `mapstructure:"eventStore"`
	Tracing      Tracing        `mapstructure:"tracing"`
	HTTPClient   HTTPClient     `mapstructure:"httpClient"`
	LoggingLevel string         `mapstructure:"logging-level"`
}

type Server struct {
	Port      string `mapstructure:"port" validate:"required,numeric"`
	BodyLimit int    `mapstructure:"body_limit"`
}

type Postgres struct {
	ConnString     string `mapstructure:"conn_string" validate:"required"`
	MaxConnections int32  `mapstructure:"max_connections"`
	MigrationsDir  string `mapstructure:"migrations_dir"`
}

type Broker struct {
	Kafka Kafka `mapstructure:"kafka"`
}

type Kafka struct {
	Brokers      string `mapstructure:"brokers"`
	WriterTopic  string `mapstructure:"writerTopic"`
	WriterUsr    string `mapstructure:"writerUsr"`
	WriterUsrPwd string `mapstructure:"writerUsrPwd"`
	MaxAttempts  int    `mapstructure:"maxAttempts"`
}

// Publisher выбирает реализацию брокера, через которую relay доставляет записи outbox.
type Publisher struct {
	Kind           string `mapstructure:"kind" validate:"oneof=kafka webhook"`
	WebhookBaseURL string `mapstructure:"webhookBaseURL" validate:"required_if=Kind webhook,omitempty,url"`
}

type Cron struct {
	UnlockStale       string `mapstructure:"unlockStale"`       // снятие протухших блокировок outbox
	PurgeAcknowledged string `mapstructure:"purgeAcknowledged"` // удаление подтверждённых записей старше retention
	ReportFailed      string `mapstructure:"reportFailed"`      // отчёт по запаркованным записям
}

type RelayConfig struct {
	Workers          int           `mapstructure:"workers" validate:"min=1"`
	BatchSize        int           `mapstructure:"batchSize" validate:"min=1"`
	PollPeriod       time.Duration `mapstructure:"pollPeriod" validate:"gt=0"`
	PublishTimeout   time.Duration `mapstructure:"publishTimeout" validate:"gt=0"`
	MaxAttempts      int           `mapstructure:"maxAttempts" validate:"min=1"`
	BackoffBase      time.Duration `mapstructure:"backoffBase" validate:"gt=0"`
	BackoffMax       time.Duration `mapstructure:"backoffMax" validate:"gtefield=BackoffBase"`
	StaleLockTimeout time.Duration `mapstructure:"staleLockTimeout" validate:"gt=0"`
	Retention        time.Duration `mapstructure:"retention" validate:"gt=0"`
	FailedAlertAfter time.Duration `mapstructure:"failedAlertAfter"`
}

type ListenerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Channel    string        `mapstructure:"channel" validate:"required,pg_ident"`
	MinBackoff time.Duration `mapstructure:"minBackoff" validate:"gt=0"`
	MaxBackoff time.Duration `mapstructure:"maxBackoff" validate:"gtefield=MinBackoff"`
}

type EventStore struct {
	SnapshotThreshold int    `mapstructure:"snapshotThreshold"` // порог по умолчанию для всех агрегатов, <= 0 отключает
	TargetPrefix      string `mapstructure:"targetPrefix"`
}

type Tracing struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlpEndpoint"`
	SampleRatio  float64 `mapstructure:"sampleRatio" validate:"gte=0,lte=1"`
}

type HTTPClient struct {
	//конфиг клиента
	ConnectTimeout        time.Duration `mapstructure:"connectTimeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"TLSHandshakeTimeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"responseHeaderTimeout"`
	ExpectContinueTimeout time.Duration `mapstructure:"expectContinueTimeout"`

	// Пул соединений
	IdleConnTimeout     time.Duration `mapstructure:"idleConnTimeout"`
	MaxIdleConns        int           `mapstructure:"maxIdleConns"`
	MaxIdleConnsPerHost int           `mapstructure:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int           `mapstructure:"maxConnsPerHost"`
	KeepAlives          bool          `mapstructure:"keepAlives"`

	// Общий таймаут клиента. 0 — контролируем дедлайном через context.
	ClientTimeout time.Duration `mapstructure:"clientTimeout"`

	UserAgent  string `mapstructure:"userAgent"`
	MaxRetries int    `mapstructure:"maxRetries" validate:"min=0"`

	InsecureSkipVerify bool `mapstructure:"insecureSkipVerify"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.body_limit", 4*1024*1024)

	v.SetDefault("postgres.conn_string", "")
	v.SetDefault("postgres.max_connections", 10)
	v.SetDefault("postgres.migrations_dir", "resources/migrations")

	v.SetDefault("broker.kafka.brokers", "")
	v.SetDefault("broker.kafka.writerTopic", "eventcore.events")
	v.SetDefault("broker.kafka.writerUsr", "")
	v.SetDefault("broker.kafka.writerUsrPwd", "")
	v.SetDefault("broker.kafka.maxAttempts", 1)

	v.SetDefault("publisher.kind", "kafka")
	v.SetDefault("publisher.webhookBaseURL", "")

	v.SetDefault("cron.unlockStale", "@every 1m")
	v.SetDefault("cron.purgeAcknowledged", "@every 1h")
	v.SetDefault("cron.reportFailed", "@every 5m")

	v.SetDefault("relay.workers", 4)
	v.SetDefault("relay.batchSize", 100)
	v.SetDefault("relay.pollPeriod", 5*time.Second)
	v.SetDefault("relay.publishTimeout", 15*time.Second)
	v.SetDefault("relay.maxAttempts", 5)
	v.SetDefault("relay.backoffBase", time.Second)
	v.SetDefault("relay.backoffMax", 5*time.Minute)
	v.SetDefault("relay.staleLockTimeout", 5*time.Minute)
	v.SetDefault("relay.retention", 30*24*time.Hour)
	v.SetDefault("relay.failedAlertAfter", 0)

	v.SetDefault("listener.enabled", true)
	v.SetDefault("listener.channel", "outbox_entries_inserted")
	v.SetDefault("listener.minBackoff", 500*time.Millisecond)
	v.SetDefault("listener.maxBackoff", 30*time.Second)

	v.SetDefault("eventStore.snapshotThreshold", 100)
	v.SetDefault("eventStore.targetPrefix", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4317")
	v.SetDefault("tracing.sampleRatio", 1.0)

	v.SetDefault("httpClient.connectTimeout", 5*time.Second)
	v.SetDefault("httpClient.TLSHandshakeTimeout", 5*time.Second)
	v.SetDefault("httpClient.responseHeaderTimeout", 10*time.Second)
	v.SetDefault("httpClient.expectContinueTimeout", time.Second)
	v.SetDefault("httpClient.idleConnTimeout", 90*time.Second)
	v.SetDefault("httpClient.maxIdleConns", 100)
	v.SetDefault("httpClient.maxIdleConnsPerHost", 10)
	v.SetDefault("httpClient.maxConnsPerHost", 0)
	v.SetDefault("httpClient.keepAlives", true)
	v.SetDefault("httpClient.clientTimeout", 0)
	v.SetDefault("httpClient.userAgent", "eventcore-relay")
	v.SetDefault("httpClient.maxRetries", 3)
	v.SetDefault("httpClient.insecureSkipVerify", false)

	v.SetDefault("logging-level", "info")
}

func NewConfig() (Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	v.AutomaticEnv()
	// Настраиваем замену точек и дефисов на подчеркивания для переменных окружения
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(path)

	var conf Config
	if err := v.ReadInConfig(); err != nil {
		// файла может не быть - тогда работаем только на переменных окружения
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return conf, err
		}
	}

	if err := v.Unmarshal(&conf); err != nil {
		return conf, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.Validate.Struct(&conf); err != nil {
		return conf, fmt.Errorf("invalid config: %w", err)
	}

	return conf, nil
}
