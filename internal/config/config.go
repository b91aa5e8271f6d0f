package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/23skdu/longbow-precision/internal/precision"
	"gopkg.in/yaml.v3"
)

type PolicyConfig struct {
	// Primary names the policy whose selection drives decisions: "qlearning" or "ppo".
	Primary       string  `yaml:"primary"`
	Lambda1       float64 `yaml:"lambda_latency"`
	Lambda2       float64 `yaml:"lambda_token_loss"`
	Epsilon       float64 `yaml:"epsilon"`
	StepSize      float64 `yaml:"step_size"`
	ReferenceBits string  `yaml:"reference_bits"`
	Seed          int64   `yaml:"seed"`
}

type PPOConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	ClipEpsilon  float64 `yaml:"clip_epsilon"`
	Epochs       int     `yaml:"epochs"`
	BaselineStep float64 `yaml:"baseline_step"`
	Exploration  float64 `yaml:"exploration"`
}

type QuantConfig struct {
	BlockSize    int     `yaml:"block_size"`
	Symmetric    bool    `yaml:"symmetric"`
	LearningRate float64 `yaml:"learning_rate"`
}

type BufferConfig struct {
	FoldInterval time.Duration `yaml:"fold_interval"`
}

type ExportConfig struct {
	FlightAddr string `yaml:"flight_addr"`
	BatchSize  int    `yaml:"batch_size"`
}

type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full precisiond configuration. Every top-level section is
// listed so strict decoding rejects typos.
type Config struct {
	Policy  PolicyConfig  `yaml:"policy"`
	PPO     PPOConfig     `yaml:"ppo"`
	Quant   QuantConfig   `yaml:"quant"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Export  ExportConfig  `yaml:"export"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

func (c *Config) Validate() error {
	switch c.GetPrimary() {
	case "qlearning", "ppo":
	default:
		return fmt.Errorf("invalid policy.primary: %q (must be qlearning or ppo)", c.Policy.Primary)
	}
	if c.Policy.Lambda1 < 0 {
		return fmt.Errorf("invalid lambda_latency: %f (must be non-negative)", c.Policy.Lambda1)
	}
	if c.Policy.Lambda2 < 0 {
		return fmt.Errorf("invalid lambda_token_loss: %f (must be non-negative)", c.Policy.Lambda2)
	}
	if c.Policy.Epsilon < 0 || c.Policy.Epsilon > 1 {
		return fmt.Errorf("invalid epsilon: %f (must be in [0,1])", c.Policy.Epsilon)
	}
	if c.Policy.StepSize <= 0 || c.Policy.StepSize > 1 {
		return fmt.Errorf("invalid step_size: %f (must be in (0,1])", c.Policy.StepSize)
	}
	if _, err := c.ReferenceDepth(); err != nil {
		return fmt.Errorf("invalid reference_bits: %w", err)
	}

	if c.PPO.LearningRate <= 0 {
		return fmt.Errorf("invalid ppo.learning_rate: %f (must be positive)", c.PPO.LearningRate)
	}
	if c.PPO.ClipEpsilon <= 0 || c.PPO.ClipEpsilon >= 1 {
		return fmt.Errorf("invalid ppo.clip_epsilon: %f (must be in (0,1))", c.PPO.ClipEpsilon)
	}
	if c.PPO.Epochs <= 0 {
		return fmt.Errorf("invalid ppo.epochs: %d (must be positive)", c.PPO.Epochs)
	}
	if c.PPO.BaselineStep <= 0 || c.PPO.BaselineStep > 1 {
		return fmt.Errorf("invalid ppo.baseline_step: %f (must be in (0,1])", c.PPO.BaselineStep)
	}
	if c.PPO.Exploration < 0 || c.PPO.Exploration > 1 {
		return fmt.Errorf("invalid ppo.exploration: %f (must be in [0,1])", c.PPO.Exploration)
	}

	if c.Quant.BlockSize <= 0 {
		return fmt.Errorf("invalid block_size: %d (must be positive)", c.Quant.BlockSize)
	}
	if c.Quant.LearningRate <= 0 {
		return fmt.Errorf("invalid quant.learning_rate: %f (must be positive)", c.Quant.LearningRate)
	}
	if c.Buffer.FoldInterval <= 0 {
		return fmt.Errorf("invalid fold_interval: %s (must be positive)", c.Buffer.FoldInterval)
	}
	if c.Export.BatchSize <= 0 {
		return fmt.Errorf("invalid export.batch_size: %d (must be positive)", c.Export.BatchSize)
	}
	return nil
}

func (c *Config) GetPrimary() string {
	return strings.ToLower(strings.TrimSpace(c.Policy.Primary))
}

// ReferenceDepth is the bit depth the tabular policy evaluates at selection time.
func (c *Config) ReferenceDepth() (precision.BitDepth, error) {
	return precision.ParseBitDepth(c.Policy.ReferenceBits)
}

func Default() Config {
	return Config{
		Policy: PolicyConfig{
			Primary:       "qlearning",
			Lambda1:       0.1,
			Lambda2:       0.05,
			Epsilon:       0.1,
			StepSize:      0.1,
			ReferenceBits: "INT8",
			Seed:          1,
		},
		PPO: PPOConfig{
			LearningRate: 0.05,
			ClipEpsilon:  0.2,
			Epochs:       4,
			BaselineStep: 0.1,
		},
		Quant: QuantConfig{
			BlockSize:    128,
			Symmetric:    true,
			LearningRate: 0.001,
		},
		Buffer: BufferConfig{
			FoldInterval: time.Second,
		},
		Export: ExportConfig{
			BatchSize: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
