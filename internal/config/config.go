package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. ECE_SERVER_HTTP_PORT.
const EnvPrefix = "ECE"

// Config represents the service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Neo4j     Neo4jConfig     `mapstructure:"neo4j"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host" validate:"required_if=Enabled true"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Database        string        `mapstructure:"database" validate:"required_if=Enabled true"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host" validate:"required_if=Enabled true"`
	Port      int           `mapstructure:"port" validate:"min=1,max=65535"`
	Password  string        `mapstructure:"password"`
	Database  int           `mapstructure:"database" validate:"min=0"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers" validate:"required_if=Enabled true"`
	GroupID      string        `mapstructure:"group_id" validate:"required_if=Enabled true"`
	Topics       KafkaTopics   `mapstructure:"topics"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// KafkaTopics defines all Kafka topic names
type KafkaTopics struct {
	EntityRecords   string `mapstructure:"entity_records"`
	RiskAssessments string `mapstructure:"risk_assessments"`
}

// Neo4jConfig contains graph database settings
type Neo4jConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URI               string        `mapstructure:"uri" validate:"required_if=Enabled true"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	MaxConnections    int           `mapstructure:"max_connections" validate:"min=1"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" validate:"gt=0"`
}

// SchedulerConfig contains scheduled re-run settings
type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RerunSchedule string `mapstructure:"rerun_schedule" validate:"required_if=Enabled true"`
}

// EngineConfig points at the correlation policy and tunes the fuzzy step
type EngineConfig struct {
	PolicyFile    string `mapstructure:"policy_file"`
	Workers       int    `mapstructure:"workers" validate:"min=0"`
	MaxBucketSize int    `mapstructure:"max_bucket_size" validate:"min=0"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// LoadConfig loads configuration from an optional file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 32<<20)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "entity_correlation")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.run_migrations", true)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.ttl", "1h")
	v.SetDefault("redis.key_prefix", "entity-correlation:")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "entity-correlation")
	v.SetDefault("kafka.topics.entity_records", "entity.records")
	v.SetDefault("kafka.topics.risk_assessments", "entity.risk-assessments")
	v.SetDefault("kafka.batch_size", 500)
	v.SetDefault("kafka.batch_timeout", "10s")
	v.SetDefault("kafka.write_timeout", "10s")

	// Neo4j defaults
	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_connections", 50)
	v.SetDefault("neo4j.connection_timeout", "30s")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.rerun_schedule", "0 0 3 * * *")

	// Engine defaults
	v.SetDefault("engine.policy_file", "")
	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.max_bucket_size", 5000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if c.Scheduler.Enabled && !c.Database.Enabled {
		return fmt.Errorf("scheduler requires the database to be enabled")
	}

	if c.Kafka.Enabled && (c.Kafka.Topics.EntityRecords == "" || c.Kafka.Topics.RiskAssessments == "") {
		return fmt.Errorf("kafka topics are required")
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Username,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis connection address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetHTTPAddr returns the HTTP listen address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// InitLogger initializes the logger based on configuration
func (c *Config) InitLogger() (*zap.Logger, error) {
	var config zap.Config

	if c.Logging.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	config.Level = level

	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}

	return logger.With(zap.String("service", "entity-correlation")), nil
}
