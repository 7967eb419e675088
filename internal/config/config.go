package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Chat     ChatConfig
	Kafka    KafkaConfig
}

var (
	configInstance *Config
	once           sync.Once
)

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// URI builds the postgres connection string.
func (c DatabaseConfig) URI() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type JWTConfig struct {
	Secret         string
	ExpirationTime time.Duration
}

// ChatConfig holds the knobs for the in-memory connection manager sweeps.
type ChatConfig struct {
	HeartbeatSweepInterval time.Duration
	HeartbeatTimeout       time.Duration
	TypingSweepInterval    time.Duration
	TypingIdleCutoff       time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

func LoadConfig() (*Config, error) {
	once.Do(func() {
		viper.SetDefault("SHOPCHAT_HOST", "")
		viper.SetDefault("SHOPCHAT_PORT", "8080")
		viper.SetDefault("SHOPCHAT_READ_TIMEOUT", 30*time.Second)
		viper.SetDefault("SHOPCHAT_WRITE_TIMEOUT", 30*time.Second)
		viper.SetDefault("SHOPCHAT_IDLE_TIMEOUT", 60*time.Second)
		viper.SetDefault("SHOPCHAT_JWT_SECRET", "secret")
		viper.SetDefault("SHOPCHAT_JWT_EXPIRE", "24h")
		viper.SetDefault("SHOPCHAT_HEARTBEAT_SWEEP_INTERVAL", 60*time.Second)
		viper.SetDefault("SHOPCHAT_HEARTBEAT_TIMEOUT", 5*time.Minute)
		viper.SetDefault("SHOPCHAT_TYPING_SWEEP_INTERVAL", 5*time.Minute)
		viper.SetDefault("SHOPCHAT_TYPING_IDLE_CUTOFF", 30*time.Second)
		viper.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
		viper.SetDefault("REDIS_PASSWORD", "")
		viper.SetDefault("REDIS_DB", 0)
		viper.SetDefault("REDIS_MAX_RETRIES", 3)
		viper.SetDefault("REDIS_POOL_SIZE", 100)
		viper.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
		viper.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
		viper.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
		viper.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
		viper.SetDefault("POSTGRES_USER", "postgres")
		viper.SetDefault("POSTGRES_PASSWORD", "password")
		viper.SetDefault("POSTGRES_HOST", "localhost")
		viper.SetDefault("POSTGRES_PORT", "5432")
		viper.SetDefault("POSTGRES_DB", "shopchat")
		viper.SetDefault("POSTGRES_SSLMODE", "disable")
		viper.SetDefault("KAFKA_ENABLED", false)
		viper.SetDefault("KAFKA_BROKERS", []string{"localhost:9092"})
		viper.SetDefault("KAFKA_TOPIC", "chat.messages")
		viper.AutomaticEnv()

		configInstance = &Config{
			Server: ServerConfig{
				Host:         viper.GetString("SHOPCHAT_HOST"),
				Port:         viper.GetString("SHOPCHAT_PORT"),
				ReadTimeout:  viper.GetDuration("SHOPCHAT_READ_TIMEOUT"),
				WriteTimeout: viper.GetDuration("SHOPCHAT_WRITE_TIMEOUT"),
				IdleTimeout:  viper.GetDuration("SHOPCHAT_IDLE_TIMEOUT"),
			},
			Database: DatabaseConfig{
				Host:     viper.GetString("POSTGRES_HOST"),
				Port:     viper.GetString("POSTGRES_PORT"),
				User:     viper.GetString("POSTGRES_USER"),
				Password: viper.GetString("POSTGRES_PASSWORD"),
				DBName:   viper.GetString("POSTGRES_DB"),
				SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
			},
			Redis: RedisConfig{
				Addr:         viper.GetString("REDIS_ADDR"),
				Password:     viper.GetString("REDIS_PASSWORD"),
				DB:           viper.GetInt("REDIS_DB"),
				MaxRetries:   viper.GetInt("REDIS_MAX_RETRIES"),
				DialTimeout:  viper.GetDuration("REDIS_DIAL_TIMEOUT"),
				ReadTimeout:  viper.GetDuration("REDIS_READ_TIMEOUT"),
				WriteTimeout: viper.GetDuration("REDIS_WRITE_TIMEOUT"),
				PoolSize:     viper.GetInt("REDIS_POOL_SIZE"),
				MinIdleConns: viper.GetInt("REDIS_MIN_IDLE_CONNS"),
			},
			JWT: JWTConfig{
				Secret:         viper.GetString("SHOPCHAT_JWT_SECRET"),
				ExpirationTime: viper.GetDuration("SHOPCHAT_JWT_EXPIRE"),
			},
			Chat: ChatConfig{
				HeartbeatSweepInterval: viper.GetDuration("SHOPCHAT_HEARTBEAT_SWEEP_INTERVAL"),
				HeartbeatTimeout:       viper.GetDuration("SHOPCHAT_HEARTBEAT_TIMEOUT"),
				TypingSweepInterval:    viper.GetDuration("SHOPCHAT_TYPING_SWEEP_INTERVAL"),
				TypingIdleCutoff:       viper.GetDuration("SHOPCHAT_TYPING_IDLE_CUTOFF"),
			},
			Kafka: KafkaConfig{
				Enabled: viper.GetBool("KAFKA_ENABLED"),
				Brokers: viper.GetStringSlice("KAFKA_BROKERS"),
				Topic:   viper.GetString("KAFKA_TOPIC"),
			},
		}
	})

	return configInstance, nil
}
