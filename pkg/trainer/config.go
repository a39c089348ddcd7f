package trainer

import (
	"fmt"

	"cringekd/pkg/distill"
	"cringekd/pkg/runstore"
)

// Config holds the full set of training hyperparameters. Start from
// [DefaultConfig] and override; Validate rejects incomplete or
// out-of-range configurations instead of filling them in.
type Config struct {
	// Model is the base checkpoint the training runtime fine-tunes.
	Model string `yaml:"model" json:"model"`

	// TrainPath and ValPath locate the training and validation JSONL
	// files within the configured file store.
	TrainPath string `yaml:"train_path" json:"train_path"`
	ValPath   string `yaml:"val_path" json:"val_path"`

	// OutputDir is where the exported artifact directory is written.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// MaxLength is the tokenizer truncation length in tokens.
	MaxLength int `yaml:"max_length" json:"max_length"`

	BatchSize int `yaml:"batch_size" json:"batch_size"`
	Epochs    int `yaml:"epochs" json:"epochs"`

	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`

	// Temperature, AlphaKL, and AlphaCE parameterize the distillation
	// objective; see the distill package.
	Temperature float64 `yaml:"temperature" json:"temperature"`
	AlphaKL     float64 `yaml:"alpha_kl" json:"alpha_kl"`
	AlphaCE     float64 `yaml:"alpha_ce" json:"alpha_ce"`

	// Floor clamps the renormalization denominator when sharpening
	// teacher distributions.
	Floor float64 `yaml:"floor" json:"floor"`

	// Threshold binarizes probabilities for threshold evaluation.
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// Seed drives epoch shuffling (and any backend that wants it).
	Seed uint64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the standard hyperparameters. TrainPath and
// ValPath have no defaults and must be set.
func DefaultConfig() Config {
	return Config{
		Model:        "microsoft/deberta-v3-xsmall",
		OutputDir:    "./student_ckpt",
		MaxLength:    256,
		BatchSize:    32,
		Epochs:       3,
		LearningRate: 3e-5,
		Temperature:  distill.DefaultTemperature,
		AlphaKL:      distill.DefaultAlphaKL,
		AlphaCE:      distill.DefaultAlphaCE,
		Floor:        distill.DefaultFloor,
		Threshold:    0.5,
		Seed:         42,
	}
}

// Validate checks the configuration for completeness and range errors.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("trainer: model is required")
	}
	if c.TrainPath == "" {
		return fmt.Errorf("trainer: train_path is required")
	}
	if c.ValPath == "" {
		return fmt.Errorf("trainer: val_path is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("trainer: output_dir is required")
	}
	if c.MaxLength < 1 {
		return fmt.Errorf("trainer: max_length must be at least 1, got %d", c.MaxLength)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("trainer: batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("trainer: epochs must be at least 1, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("trainer: learning_rate must be positive, got %v", c.LearningRate)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("trainer: threshold must be in [0,1], got %v", c.Threshold)
	}
	return c.params().Validate()
}

// params maps the config onto the distillation objective.
func (c Config) params() distill.Params {
	return distill.Params{
		Temperature: c.Temperature,
		AlphaKL:     c.AlphaKL,
		AlphaCE:     c.AlphaCE,
		Floor:       c.Floor,
	}
}

// record converts the config into its run-registry snapshot form.
func (c Config) record() runstore.Config {
	return runstore.Config{
		Model:        c.Model,
		TrainPath:    c.TrainPath,
		ValPath:      c.ValPath,
		OutputDir:    c.OutputDir,
		MaxLength:    c.MaxLength,
		BatchSize:    c.BatchSize,
		Epochs:       c.Epochs,
		LearningRate: c.LearningRate,
		Temperature:  c.Temperature,
		AlphaKL:      c.AlphaKL,
		AlphaCE:      c.AlphaCE,
		Threshold:    c.Threshold,
		Seed:         c.Seed,
	}
}
