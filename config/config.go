// Package config loads voxel settings: defaults, then an optional YAML
// file, then VOXEL_* environment variables.
//
//	cfg, err := config.NewLoader().WithConfigPath("voxel.yaml").Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/engine"
	"github.com/tsawler/go-voxel/postprocess"
	"github.com/tsawler/go-voxel/tensor"
	"github.com/tsawler/go-voxel/training"
	"github.com/tsawler/go-voxel/vision/preprocessing"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "VOXEL"

// Config is the full configuration of the voxel tools.
type Config struct {
	Device    string          `yaml:"device" env:"DEVICE"`
	Train     TrainConfig     `yaml:"train" env:"TRAIN"`
	Inference InferenceConfig `yaml:"inference" env:"INFERENCE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	History   HistoryConfig   `yaml:"history" env:"HISTORY"`
}

// TrainConfig mirrors training.TrainingConfig in serialisable form.
type TrainConfig struct {
	Epochs          int     `yaml:"epochs" env:"EPOCHS"`
	BatchSize       int     `yaml:"batch_size" env:"BATCH_SIZE"`
	DataDir         string  `yaml:"data_dir" env:"DATA_DIR"`
	WeightsDir      string  `yaml:"weights_dir" env:"WEIGHTS_DIR"`
	Resume          bool    `yaml:"resume" env:"RESUME"`
	Seed            int64   `yaml:"seed" env:"SEED"`
	LogEvery        int     `yaml:"log_every" env:"LOG_EVERY"`
	CheckpointEvery int     `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY"`
	Shuffle         bool    `yaml:"shuffle" env:"SHUFFLE"`
	CacheSize       int     `yaml:"cache_size" env:"CACHE_SIZE"`
	LearningRate    float32 `yaml:"learning_rate" env:"LEARNING_RATE"`
	Beta1           float32 `yaml:"beta1" env:"BETA1"`
	L1Lambda        float32 `yaml:"l1_lambda" env:"L1_LAMBDA"`
	PlotPath        string  `yaml:"plot_path" env:"PLOT_PATH"`
}

// InferenceConfig controls single-image reconstruction.
type InferenceConfig struct {
	WeightsPath string  `yaml:"weights_path" env:"WEIGHTS_PATH"`
	Threshold   float32 `yaml:"threshold" env:"THRESHOLD"`
	Seed        int64   `yaml:"seed" env:"SEED"`
}

// LogConfig selects level and encoding of the stderr logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, console
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"` // empty disables
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// HistoryConfig points at the optional run ledger.
type HistoryConfig struct {
	Path string `yaml:"path" env:"PATH"` // empty disables
}

// Default returns the built-in configuration.
func Default() *Config {
	t := training.DefaultTrainingConfig()
	return &Config{
		Device: tensor.CPU.String(),
		Train: TrainConfig{
			Epochs:          t.Epochs,
			BatchSize:       t.BatchSize,
			DataDir:         t.DataDir,
			WeightsDir:      t.WeightsDir,
			Resume:          t.Resume,
			Seed:            t.Seed,
			LogEvery:        t.LogEvery,
			CheckpointEvery: t.CheckpointEvery,
			Shuffle:         t.Shuffle,
			CacheSize:       t.CacheSize,
			LearningRate:    t.GAN.LearningRate,
			Beta1:           t.GAN.Beta1,
			L1Lambda:        t.GAN.L1Lambda,
		},
		Inference: InferenceConfig{
			WeightsPath: t.WeightsDir + "/" + checkpoints.LatestName,
			Threshold:   postprocess.DefaultThreshold,
			Seed:        t.Seed,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Namespace: "voxel",
		},
	}
}

// Validate reports the first setting the tools cannot run with.
func (c *Config) Validate() error {
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return err
	}
	if c.Train.Epochs < 0 {
		return fmt.Errorf("train.epochs must not be negative, got %d", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("train.batch_size must be positive, got %d", c.Train.BatchSize)
	}
	if c.Train.LearningRate <= 0 {
		return fmt.Errorf("train.learning_rate must be positive, got %g", c.Train.LearningRate)
	}
	if c.Train.Beta1 < 0 || c.Train.Beta1 >= 1 {
		return fmt.Errorf("train.beta1 must be in [0, 1), got %g", c.Train.Beta1)
	}
	if c.Inference.Threshold < 0 || c.Inference.Threshold > 1 {
		return fmt.Errorf("inference.threshold must be in [0, 1], got %g", c.Inference.Threshold)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// TrainingConfig converts the file form into the trainer's settings.
func (c *Config) TrainingConfig() (training.TrainingConfig, error) {
	device, err := tensor.ParseDevice(c.Device)
	if err != nil {
		return training.TrainingConfig{}, err
	}
	t := training.DefaultTrainingConfig()
	t.Epochs = c.Train.Epochs
	t.BatchSize = c.Train.BatchSize
	t.DataDir = c.Train.DataDir
	t.WeightsDir = c.Train.WeightsDir
	t.Resume = c.Train.Resume
	t.Seed = c.Train.Seed
	t.LogEvery = c.Train.LogEvery
	t.CheckpointEvery = c.Train.CheckpointEvery
	t.Shuffle = c.Train.Shuffle
	t.CacheSize = c.Train.CacheSize
	t.ImageSize = preprocessing.DefaultSize
	t.Device = device
	t.GAN = engine.GANConfig{
		LearningRate: c.Train.LearningRate,
		Beta1:        c.Train.Beta1,
		L1Lambda:     c.Train.L1Lambda,
	}
	t.PlotPath = c.Train.PlotPath
	return t, nil
}

// InferencerConfig converts the file form into the inferencer's settings.
func (c *Config) InferencerConfig() (training.InferencerConfig, error) {
	device, err := tensor.ParseDevice(c.Device)
	if err != nil {
		return training.InferencerConfig{}, err
	}
	return training.InferencerConfig{
		WeightsPath: c.Inference.WeightsPath,
		Threshold:   c.Inference.Threshold,
		Seed:        c.Inference.Seed,
		Device:      device,
	}, nil
}

// Loader assembles a Config from its sources.
type Loader struct {
	configPath string
	envPrefix  string
}

func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load applies defaults, the YAML file and environment overrides, then
// validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Load is shorthand for NewLoader().WithConfigPath(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", l.configPath, err)
	}
	return nil
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}
		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
