package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultMessageTopic      = "groupchat.messages"
	defaultNotificationTopic = "groupchat.notifications"
	defaultConsumerGroup     = "go-groupchat"
)

// Limits bounds the inbound request rate of a single websocket session.
type Limits struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string

	// RedisURL enables the shared presence registry when set.
	RedisURL string
	// KafkaBrokers enables the message event stream and the external
	// notification consumer when set.
	KafkaBrokers      []string
	MessageTopic      string
	NotificationTopic string
	ConsumerGroup     string

	Limits Limits
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:       databaseDSN,
		ServerAddr:        serverAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		MessageTopic:      defaultMessageTopic,
		NotificationTopic: defaultNotificationTopic,
		ConsumerGroup:     defaultConsumerGroup,
	}, nil
}

// File mirrors the optional YAML config file. Empty fields leave the
// corresponding setting untouched.
type File struct {
	Addr           string   `yaml:"addr"`
	DatabaseDSN    string   `yaml:"database_dsn"`
	SigningSecret  string   `yaml:"signing_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RedisURL       string   `yaml:"redis_url"`
	Kafka          Kafka    `yaml:"kafka"`
	Limits         Limits   `yaml:"limits"`
}

type Kafka struct {
	Brokers           []string `yaml:"brokers"`
	MessageTopic      string   `yaml:"message_topic"`
	NotificationTopic string   `yaml:"notification_topic"`
	ConsumerGroup     string   `yaml:"consumer_group"`
}

// Load reads a YAML config file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// LoadEnv loads variables from the given .env files into the process
// environment. Missing files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv builds a File from GROUPCHAT_* environment variables.
func FromEnv() *File {
	f := &File{
		Addr:           os.Getenv("GROUPCHAT_ADDR"),
		DatabaseDSN:    os.Getenv("GROUPCHAT_DATABASE_DSN"),
		SigningSecret:  os.Getenv("GROUPCHAT_SIGNING_SECRET"),
		AllowedOrigins: splitList(os.Getenv("GROUPCHAT_ALLOWED_ORIGINS")),
		RedisURL:       os.Getenv("GROUPCHAT_REDIS_URL"),
		Kafka: Kafka{
			Brokers:           splitList(os.Getenv("GROUPCHAT_KAFKA_BROKERS")),
			MessageTopic:      os.Getenv("GROUPCHAT_KAFKA_MESSAGE_TOPIC"),
			NotificationTopic: os.Getenv("GROUPCHAT_KAFKA_NOTIFICATION_TOPIC"),
			ConsumerGroup:     os.Getenv("GROUPCHAT_KAFKA_CONSUMER_GROUP"),
		},
	}

	if v, err := strconv.ParseFloat(os.Getenv("GROUPCHAT_MESSAGES_PER_SECOND"), 64); err == nil {
		f.Limits.MessagesPerSecond = v
	}
	if v, err := strconv.Atoi(os.Getenv("GROUPCHAT_BURST")); err == nil {
		f.Limits.Burst = v
	}
	return f
}

// Merge overlays the non-empty fields of other onto f.
func (f *File) Merge(other *File) {
	if other == nil {
		return
	}
	setString(&f.Addr, other.Addr)
	setString(&f.DatabaseDSN, other.DatabaseDSN)
	setString(&f.SigningSecret, other.SigningSecret)
	setString(&f.RedisURL, other.RedisURL)
	setString(&f.Kafka.MessageTopic, other.Kafka.MessageTopic)
	setString(&f.Kafka.NotificationTopic, other.Kafka.NotificationTopic)
	setString(&f.Kafka.ConsumerGroup, other.Kafka.ConsumerGroup)
	if len(other.AllowedOrigins) > 0 {
		f.AllowedOrigins = other.AllowedOrigins
	}
	if len(other.Kafka.Brokers) > 0 {
		f.Kafka.Brokers = other.Kafka.Brokers
	}
	if other.Limits.MessagesPerSecond > 0 {
		f.Limits.MessagesPerSecond = other.Limits.MessagesPerSecond
	}
	if other.Limits.Burst > 0 {
		f.Limits.Burst = other.Limits.Burst
	}
}

// Config validates f and converts it to a Config.
func (f *File) Config() (*Config, error) {
	cfg, err := NewConfig(f.Addr, f.DatabaseDSN, f.SigningSecret, f.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	cfg.RedisURL = f.RedisURL
	cfg.KafkaBrokers = f.Kafka.Brokers
	setString(&cfg.MessageTopic, f.Kafka.MessageTopic)
	setString(&cfg.NotificationTopic, f.Kafka.NotificationTopic)
	setString(&cfg.ConsumerGroup, f.Kafka.ConsumerGroup)
	cfg.Limits = f.Limits
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
