package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Broker  BrokerConfig  `yaml:"broker" mapstructure:"broker"`
	Buckets BucketsConfig `yaml:"buckets" mapstructure:"buckets"`
	Dirs    DirsConfig    `yaml:"dirs" mapstructure:"dirs"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	CDN     CDNConfig     `yaml:"cdn" mapstructure:"cdn"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// BrokerConfig configures the SQS message broker.
type BrokerConfig struct {
	URL                string `yaml:"url" mapstructure:"url"`
	Region             string `yaml:"region" mapstructure:"region"`
	Secure             bool   `yaml:"secure" mapstructure:"secure"`
	QueueName          string `yaml:"queue_name" mapstructure:"queue_name"`
	VisibilityTimeout  int    `yaml:"visibility_timeout" mapstructure:"visibility_timeout"`
	ReceiveWaitSeconds int    `yaml:"receive_wait_seconds" mapstructure:"receive_wait_seconds"`
}

// BucketsConfig names the object-storage buckets read by the pipeline.
type BucketsConfig struct {
	RequestFiles string `yaml:"request_files" mapstructure:"request_files"`
	Lookup       string `yaml:"lookup" mapstructure:"lookup"`
	Organisation string `yaml:"organisation" mapstructure:"organisation"`
	Pipeline     string `yaml:"pipeline" mapstructure:"pipeline"`
}

// DirsConfig roots the per-request on-disk layout.
type DirsConfig struct {
	Collection      string `yaml:"collection" mapstructure:"collection"`
	Pipeline        string `yaml:"pipeline" mapstructure:"pipeline"`
	Converted       string `yaml:"converted" mapstructure:"converted"`
	Issue           string `yaml:"issue" mapstructure:"issue"`
	ColumnField     string `yaml:"column_field" mapstructure:"column_field"`
	Transformed     string `yaml:"transformed" mapstructure:"transformed"`
	DatasetResource string `yaml:"dataset_resource" mapstructure:"dataset_resource"`
	Cache           string `yaml:"cache" mapstructure:"cache"`
	Specification   string `yaml:"specification" mapstructure:"specification"`
}

// FetchConfig configures the resource fetcher.
type FetchConfig struct {
	UserAgent          string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MultipartThreshold int64  `yaml:"multipart_threshold" mapstructure:"multipart_threshold"`
}

// CDNConfig holds the public fallback for pipeline config files.
type CDNConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// legacyEnv maps deployment-set environment variables onto config keys.
// The platform predates this service's config layout, so both spellings
// are honoured.
var legacyEnv = map[string]string{
	"store.database_url":          "DATABASE_URL",
	"broker.url":                  "CELERY_BROKER_URL",
	"broker.region":               "CELERY_BROKER_REGION",
	"broker.secure":               "CELERY_BROKER_IS_SECURE",
	"broker.visibility_timeout":   "CELERY_BROKER_VISIBILITY_TIMEOUT",
	"broker.queue_name":           "SQS_QUEUE_NAME",
	"broker.receive_wait_seconds": "SQS_RECEIVE_WAIT_SECONDS",
	"buckets.request_files":       "REQUEST_FILES_BUCKET_NAME",
	"buckets.lookup":              "LOOKUP_BUCKET_NAME",
	"buckets.organisation":        "ORG_BUCKET_NAME",
	"buckets.pipeline":            "PIPELINE_BUCKET_NAME",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REQUEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", env)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("broker.region", "eu-west-2")
	v.SetDefault("broker.secure", true)
	v.SetDefault("broker.queue_name", "request-queue")
	v.SetDefault("broker.visibility_timeout", 60)
	v.SetDefault("broker.receive_wait_seconds", 10)
	v.SetDefault("dirs.collection", "collection")
	v.SetDefault("dirs.pipeline", "pipeline")
	v.SetDefault("dirs.converted", "converted")
	v.SetDefault("dirs.issue", "issue")
	v.SetDefault("dirs.column_field", "column-field")
	v.SetDefault("dirs.transformed", "transformed")
	v.SetDefault("dirs.dataset_resource", "dataset-resource")
	v.SetDefault("dirs.cache", "var/cache")
	v.SetDefault("dirs.specification", "specification")
	v.SetDefault("fetch.user_agent", "Digital Land Async Request Backend")
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.multipart_threshold", 30*1024*1024)
	v.SetDefault("cdn.base_url", "https://files.planning.data.gov.uk")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
