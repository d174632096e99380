package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const Name = "tusk"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host         string
		HttpPort     int            `yaml:"httpPort"`
		SslDomain    string         `yaml:"sslDomain"`
		DatabasePath string         `yaml:"databasePath"`
		KeysDir      string         `yaml:"keysDir"`
		LogLevel     string         `yaml:"logLevel"`
		Federation   FederationConf `yaml:"federation"`
	}
}

// FederationConf holds the switches that change how remote activities are handled.
type FederationConf struct {
	AutoAcceptFollowers  bool          `yaml:"autoAcceptFollowers"`
	InteractionsDisabled bool          `yaml:"interactionsDisabled"`
	MirrorPosts          bool          `yaml:"mirrorPosts"`
	SyncFrequency        time.Duration `yaml:"syncFrequency"`
	ActorStaleAfter      time.Duration `yaml:"actorStaleAfter"`
	ActorErrorLogSize    int           `yaml:"actorErrorLogSize"`
	FetchTimeout         time.Duration `yaml:"fetchTimeout"`
	FetchRatePerHost     float64       `yaml:"fetchRatePerHost"`
	TaskSchedule         string        `yaml:"taskSchedule"`
	DeliveryMode         string        `yaml:"deliveryMode"`
}

const (
	DeliveryModeQueue  = "queue"
	DeliveryModeDirect = "direct"
)

// DefaultFederationConf returns the settings used when the config omits them.
func DefaultFederationConf() FederationConf {
	return FederationConf{
		AutoAcceptFollowers: true,
		SyncFrequency:       7 * 24 * time.Hour,
		ActorStaleAfter:     24 * time.Hour,
		ActorErrorLogSize:   10,
		FetchTimeout:        10 * time.Second,
		FetchRatePerHost:    2,
		TaskSchedule:        "@every 30s",
		DeliveryMode:        DeliveryModeQueue,
	}
}

// fillDefaults replaces zero values with defaults. Booleans are left alone.
func (f *FederationConf) fillDefaults() {
	d := DefaultFederationConf()
	if f.SyncFrequency <= 0 {
		f.SyncFrequency = d.SyncFrequency
	}
	if f.ActorStaleAfter <= 0 {
		f.ActorStaleAfter = d.ActorStaleAfter
	}
	if f.ActorErrorLogSize <= 0 {
		f.ActorErrorLogSize = d.ActorErrorLogSize
	}
	if f.FetchTimeout <= 0 {
		f.FetchTimeout = d.FetchTimeout
	}
	if f.FetchRatePerHost <= 0 {
		f.FetchRatePerHost = d.FetchRatePerHost
	}
	if f.TaskSchedule == "" {
		f.TaskSchedule = d.TaskSchedule
	}
	if f.DeliveryMode == "" {
		f.DeliveryMode = d.DeliveryMode
	}
}

// BaseURL is the scheme and host under which local actors are published.
func (c *AppConfig) BaseURL() string {
	return "https://" + c.Conf.SslDomain
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolvePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info().Str("path", configPath).Msg("Config file not found, using embedded defaults")
		buf = embeddedConfig

		configDir, dirErr := UserStateDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn().Err(writeErr).Str("path", userConfigPath).Msg("Could not write default config")
			} else {
				log.Info().Str("path", userConfigPath).Msg("Created default config file")
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)
	c.Conf.Federation.fillDefaults()

	if c.Conf.DatabasePath == "" {
		c.Conf.DatabasePath = Name + ".db"
	}
	if c.Conf.KeysDir == "" {
		c.Conf.KeysDir = "keys"
	}

	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("TUSK_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TUSK_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring TUSK_HTTPPORT")
		} else {
			c.Conf.HttpPort = port
		}
	}
	if v := os.Getenv("TUSK_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("TUSK_DATABASE"); v != "" {
		c.Conf.DatabasePath = v
	}
	if v := os.Getenv("TUSK_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("TUSK_AUTO_ACCEPT"); v != "" {
		c.Conf.Federation.AutoAcceptFollowers = v == "true"
	}
	if v := os.Getenv("TUSK_INTERACTIONS_DISABLED"); v != "" {
		c.Conf.Federation.InteractionsDisabled = v == "true"
	}
	if v := os.Getenv("TUSK_MIRROR_POSTS"); v != "" {
		c.Conf.Federation.MirrorPosts = v == "true"
	}
	if v := os.Getenv("TUSK_SYNC_FREQUENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring TUSK_SYNC_FREQUENCY")
		} else {
			c.Conf.Federation.SyncFrequency = d
		}
	}
}
