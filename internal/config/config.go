// Package config loads Biome's server configuration from a YAML file,
// environment variables, and finally command-line flags, in that order of
// increasing precedence.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds every tunable the gateway needs at startup. Callers build
// one explicitly and pass it down; there is no process-wide mutable config
// state.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Seeds  SeedsConfig  `yaml:"seeds"`
	Safety SafetyConfig `yaml:"safety"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type EngineConfig struct {
	DefaultModelURI string `yaml:"default_model_uri"`
	Device          string `yaml:"device"`
	NFrames         int    `yaml:"n_frames"`
	AEUri           string `yaml:"ae_uri"`
	DefaultPrompt   string `yaml:"default_prompt"`
}

type SeedsConfig struct {
	Root string `yaml:"root"`
}

type SafetyConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the configuration used when no file, env var, or flag
// overrides a field.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 7987},
		Engine: EngineConfig{
			DefaultModelURI: "Overworld/Waypoint-1-Small",
			Device:          "cuda",
			NFrames:         4096,
			DefaultPrompt:   "",
		},
		Seeds:  SeedsConfig{Root: "world_engine/seeds"},
		Safety: SafetyConfig{BatchSize: 8},
		Log:    LogConfig{Level: "info"},
	}
}

// Load builds a Config by layering a YAML file (if present), a .env file
// (if present, loaded before env var reads), and BIOME_-prefixed
// environment variables on top of Defaults(). Flags are applied separately
// by the caller since flag.Parse must run against os.Args in main.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		if f, err := os.Open(yamlPath); err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Host = getEnv("BIOME_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("BIOME_PORT", c.Server.Port)
	c.Engine.DefaultModelURI = getEnv("BIOME_MODEL_URI", c.Engine.DefaultModelURI)
	c.Engine.Device = getEnv("BIOME_DEVICE", c.Engine.Device)
	c.Engine.NFrames = getEnvInt("BIOME_N_FRAMES", c.Engine.NFrames)
	c.Seeds.Root = getEnv("BIOME_SEEDS_ROOT", c.Seeds.Root)
	c.Safety.BatchSize = getEnvInt("BIOME_SAFETY_BATCH_SIZE", c.Safety.BatchSize)
	c.Log.Level = getEnv("BIOME_LOG_LEVEL", c.Log.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
