package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "tusk"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type FederationConf struct {
	FanoutPageSize  int           `yaml:"fanoutPageSize"`
	PagePacing      time.Duration `yaml:"pagePacing"`
	DeliveryWorkers int           `yaml:"deliveryWorkers"`
	PerHostRate     float64       `yaml:"perHostRate"`
	PerHostBurst    int           `yaml:"perHostBurst"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	RetryInterval   time.Duration `yaml:"retryInterval"`
	ActorTTL        time.Duration `yaml:"actorTTL"`
	CacheSize       int           `yaml:"cacheSize"`
}

type QueueConf struct {
	BatchSize         int           `yaml:"batchSize"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	WaitTime          time.Duration `yaml:"waitTime"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	MaxReceives       int           `yaml:"maxReceives"`
	HandleTimeout     time.Duration `yaml:"handleTimeout"`
}

// AppConfig is built once at startup and handed to every component.
type AppConfig struct {
	Conf struct {
		Host         string         `yaml:"host"`
		HttpPort     int            `yaml:"httpPort"`
		SslDomain    string         `yaml:"sslDomain"`
		DbPath       string         `yaml:"dbPath"`
		KeyBits      int            `yaml:"keyBits"`
		CursorSecret string         `yaml:"cursorSecret"`
		Federation   FederationConf `yaml:"federation"`
		Queue        QueueConf      `yaml:"queue"`
	}
}

// ReadConf loads configPath, or config.yaml from the working directory or
// ~/.config/tusk when configPath is empty.
func ReadConf(configPath string) (*AppConfig, error) {
	c := &AppConfig{}

	if configPath == "" {
		configPath = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("TUSK_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TUSK_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUSK_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("TUSK_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("TUSK_DB"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("TUSK_CURSOR_SECRET"); v != "" {
		c.Conf.CursorSecret = v
	}
	if v := os.Getenv("TUSK_DELIVERY_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUSK_DELIVERY_WORKERS: %w", err)
		}
		c.Conf.Federation.DeliveryWorkers = n
	}
	if v := os.Getenv("TUSK_PAGE_PACING"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TUSK_PAGE_PACING: %w", err)
		}
		c.Conf.Federation.PagePacing = d
	}
	return nil
}

// ApplyDefaults fills every unset field. PagePacing is left alone so that 0
// can switch pacing off.
func (c *AppConfig) ApplyDefaults() {
	if c.Conf.Host == "" {
		c.Conf.Host = "127.0.0.1"
	}
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.SslDomain == "" {
		c.Conf.SslDomain = "localhost"
	}
	if c.Conf.DbPath == "" {
		c.Conf.DbPath = ResolveFilePath("database.db")
	}
	if c.Conf.KeyBits == 0 {
		c.Conf.KeyBits = 4096
	}
	if c.Conf.CursorSecret == "" {
		c.Conf.CursorSecret = RandomString(32)
		log.Printf("Warning: no cursorSecret configured, pagination cursors will not survive a restart")
	}

	f := &c.Conf.Federation
	if f.FanoutPageSize <= 0 {
		f.FanoutPageSize = 50
	}
	if f.DeliveryWorkers <= 0 {
		f.DeliveryWorkers = 8
	}
	if f.PerHostRate <= 0 {
		f.PerHostRate = 5
	}
	if f.PerHostBurst <= 0 {
		f.PerHostBurst = 10
	}
	if f.RequestTimeout <= 0 {
		f.RequestTimeout = 10 * time.Second
	}
	if f.RetryInterval <= 0 {
		f.RetryInterval = 10 * time.Second
	}
	if f.ActorTTL <= 0 {
		f.ActorTTL = 24 * time.Hour
	}
	if f.CacheSize <= 0 {
		f.CacheSize = 1024
	}

	q := &c.Conf.Queue
	if q.BatchSize <= 0 {
		q.BatchSize = 10
	}
	if q.VisibilityTimeout <= 0 {
		q.VisibilityTimeout = 60 * time.Second
	}
	if q.WaitTime <= 0 {
		q.WaitTime = 20 * time.Second
	}
	if q.PollInterval <= 0 {
		q.PollInterval = 500 * time.Millisecond
	}
	if q.MaxReceives <= 0 {
		q.MaxReceives = 5
	}
	if q.HandleTimeout <= 0 {
		q.HandleTimeout = 30 * time.Second
	}
}
