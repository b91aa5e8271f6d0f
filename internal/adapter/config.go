package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-precision/internal/quant"
)

// ConfigFileName is the adapter config that sits next to the checkpoint.
const ConfigFileName = "adapter_config.json"

// LoRAConfig mirrors the PEFT adapter_config.json fields this package reads.
type LoRAConfig struct {
	R             int      `json:"r"`
	TaskType      string   `json:"task_type"`
	TargetModules []string `json:"target_modules"`
	LoRAAlpha     float64  `json:"lora_alpha"`
	LoRADropout   float64  `json:"lora_dropout"`
	ModulesToSave []string `json:"modules_to_save,omitempty"`
}

func (c *LoRAConfig) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("invalid r: %d (must be positive): %w", c.R, quant.ErrConfig)
	}
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("invalid target_modules: empty: %w", quant.ErrConfig)
	}
	if c.LoRADropout < 0 || c.LoRADropout >= 1 {
		return fmt.Errorf("invalid lora_dropout: %f (must be in [0,1)): %w", c.LoRADropout, quant.ErrConfig)
	}
	return nil
}

// ConfigPath returns the adapter config path for a checkpoint path.
func ConfigPath(checkpointPath string) string {
	return filepath.Join(filepath.Dir(checkpointPath), ConfigFileName)
}

// LoadConfig reads and validates an adapter config. Every failure wraps ErrConfig.
func LoadConfig(path string) (*LoRAConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", path, err, quant.ErrConfig)
	}
	var cfg LoRAConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", path, err, quant.ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteConfig writes cfg as indented JSON.
func WriteConfig(path string, cfg *LoRAConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode adapter config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %v: %w", path, err, quant.ErrIO)
	}
	return nil
}
