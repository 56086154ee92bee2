package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDeliveryDelay = time.Second
	defaultPresenceTTL   = 30 * time.Second
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	RedisAddr      string
	BlobPath       string
	SigningKey     []byte
	AllowedOrigins []string
	DeliveryDelay  time.Duration
	PresenceTTL    time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
	InstanceId     string
}

// Flags carries the command line values; empty fields fall back to the
// config file and then to defaults.
type Flags struct {
	ConfigFile     string
	ServerAddr     string
	DatabaseDSN    string
	RedisAddr      string
	BlobPath       string
	SigningSecret  string
	AllowedOrigins []string
	KafkaBrokers   []string
	KafkaTopic     string
	InstanceId     string
}

type fileConfig struct {
	ServerAddr     string   `yaml:"server_addr"`
	DatabaseDSN    string   `yaml:"database_dsn"`
	RedisAddr      string   `yaml:"redis_addr"`
	BlobPath       string   `yaml:"blob_path"`
	SigningSecret  string   `yaml:"signing_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DeliveryDelay  string   `yaml:"delivery_delay"`
	PresenceTTL    string   `yaml:"presence_ttl"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	KafkaTopic     string   `yaml:"kafka_topic"`
	InstanceId     string   `yaml:"instance_id"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func loadFile(path string) (*fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &fc, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func NewConfig(fl Flags) (*Config, error) {
	fc := &fileConfig{}
	if fl.ConfigFile != "" {
		var err error
		fc, err = loadFile(fl.ConfigFile)
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ServerAddr:  firstNonEmpty(fl.ServerAddr, fc.ServerAddr),
		DatabaseDSN: firstNonEmpty(fl.DatabaseDSN, fc.DatabaseDSN),
		RedisAddr:   firstNonEmpty(fl.RedisAddr, fc.RedisAddr),
		BlobPath:    firstNonEmpty(fl.BlobPath, fc.BlobPath),
		KafkaTopic:  firstNonEmpty(fl.KafkaTopic, fc.KafkaTopic, "strangerchat-events"),
		InstanceId:  firstNonEmpty(fl.InstanceId, fc.InstanceId),
	}

	cfg.AllowedOrigins = fl.AllowedOrigins
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}

	cfg.KafkaBrokers = fl.KafkaBrokers
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = fc.KafkaBrokers
	}

	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if cfg.BlobPath == "" {
		return nil, fmt.Errorf("blob path cannot be empty")
	}

	secret := firstNonEmpty(fl.SigningSecret, fc.SigningSecret)
	if secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg.SigningKey = signingKey

	if cfg.DeliveryDelay, err = parseDuration(fc.DeliveryDelay, defaultDeliveryDelay); err != nil {
		return nil, fmt.Errorf("delivery delay: %w", err)
	}
	if cfg.PresenceTTL, err = parseDuration(fc.PresenceTTL, defaultPresenceTTL); err != nil {
		return nil, fmt.Errorf("presence ttl: %w", err)
	}

	if cfg.InstanceId == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("instance id: %w", err)
		}
		cfg.InstanceId = host
	}

	return cfg, nil
}
