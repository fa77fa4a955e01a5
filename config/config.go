// Package config holds the immutable run configuration for a training run.
//
// A Config is built once per run (or per search trial) from defaults, an
// optional YAML file and command line overrides, then passed by value into
// the training loop. Nothing downstream mutates it; derived values are
// produced by Resolve as a new value.
//
// Example:
//
//	cfg, err := config.Load("run.yaml", config.Default())
//	if err != nil {
//		return err
//	}
//	cfg = cfg.Resolve()
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned (wrapped) by Validate when a field is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Task kinds.
const (
	TaskNodeClassification = "nc"
	TaskLinkPrediction     = "lp"
	TaskReconstruction     = "rec"
)

// Config is the full set of run parameters. Field names in yaml/json follow
// the flag names of the command line.
type Config struct {
	// Data
	Dataset        string  `yaml:"dataset" json:"dataset" validate:"required"`
	DataDir        string  `yaml:"data_dir" json:"data_dir" validate:"required"`
	Task           string  `yaml:"task" json:"task" validate:"oneof=nc lp rec"`
	ValProp        float64 `yaml:"val_prop" json:"val_prop" validate:"gte=0,lt=1"`
	TestProp       float64 `yaml:"test_prop" json:"test_prop" validate:"gte=0,lt=1"`
	SplitSeed      int64   `yaml:"split_seed" json:"split_seed"`
	UseFeats       bool    `yaml:"use_feats" json:"use_feats"`
	NormalizeFeats bool    `yaml:"normalize_feats" json:"normalize_feats"`
	NormalizeAdj   bool    `yaml:"normalize_adj" json:"normalize_adj"`

	// Model
	Model     string  `yaml:"model" json:"model" validate:"oneof=GCN MLP"`
	Dim       int     `yaml:"dim" json:"dim" validate:"gte=1"`
	NumLayers int     `yaml:"num_layers" json:"num_layers" validate:"gte=1"`
	Act       string  `yaml:"act" json:"act" validate:"oneof=relu tanh none"`
	Bias      bool    `yaml:"bias" json:"bias"`
	Dropout   float64 `yaml:"dropout" json:"dropout" validate:"gte=0,lt=1"`
	UseAtt    bool    `yaml:"use_att" json:"use_att"`
	Manifold  string  `yaml:"manifold" json:"manifold"`
	C         float64 `yaml:"c" json:"c"`
	R         float64 `yaml:"r" json:"r"`
	T         float64 `yaml:"t" json:"t" validate:"gt=0"`

	// Optimisation
	Epochs       int     `yaml:"epochs" json:"epochs" validate:"gte=1"`
	Patience     int     `yaml:"patience" json:"patience" validate:"gte=0"`
	MinEpochs    int     `yaml:"min_epochs" json:"min_epochs" validate:"gte=0"`
	LogFreq      int     `yaml:"log_freq" json:"log_freq" validate:"gte=1"`
	EvalFreq     int     `yaml:"eval_freq" json:"eval_freq" validate:"gte=1"`
	LR           float64 `yaml:"lr" json:"lr" validate:"gt=0"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay" validate:"gte=0"`
	Optimizer    string  `yaml:"optimizer" json:"optimizer" validate:"oneof=Adam SGD RMSProp Adagrad NAdam AdaDelta"`
	Momentum     float64 `yaml:"momentum" json:"momentum" validate:"gte=0,lt=1"`
	LRScheduler  string  `yaml:"lr_scheduler" json:"lr_scheduler" validate:"oneof=step exponential cosine constant"`
	LRReduceFreq int     `yaml:"lr_reduce_freq" json:"lr_reduce_freq" validate:"gte=0"`
	Gamma        float64 `yaml:"gamma" json:"gamma" validate:"gt=0,lte=1"`
	GradClip     float64 `yaml:"grad_clip" json:"grad_clip" validate:"gte=0"` // 0 disables clipping
	Seed         int64   `yaml:"seed" json:"seed"`

	// Evaluation
	TargetClass int    `yaml:"target_class" json:"target_class" validate:"gte=0"`
	F1Average   string `yaml:"f1_average" json:"f1_average" validate:"oneof=macro micro weighted"`

	// Output
	Save            bool   `yaml:"save" json:"save"`
	SaveDir         string `yaml:"save_dir" json:"save_dir"`
	LogRoot         string `yaml:"log_root" json:"log_root"`
	ConfMatDir      string `yaml:"conf_mat_dir" json:"conf_mat_dir" validate:"required"`
	Cuda            int    `yaml:"cuda" json:"cuda" validate:"gte=-1"`
	DoublePrecision bool   `yaml:"double_precision" json:"double_precision"`
	RunsDB          string `yaml:"runs_db" json:"runs_db"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Dataset:        "cora",
		DataDir:        "data",
		Task:           TaskNodeClassification,
		ValProp:        0.05,
		TestProp:       0.1,
		SplitSeed:      1234,
		UseFeats:       true,
		NormalizeFeats: true,
		NormalizeAdj:   true,

		Model:     "GCN",
		Dim:       128,
		NumLayers: 2,
		Act:       "relu",
		Bias:      true,
		Dropout:   0,
		Manifold:  "Euclidean",
		C:         1.0,
		R:         2.0,
		T:         1.0,

		Epochs:       5000,
		Patience:     100,
		MinEpochs:    100,
		LogFreq:      1,
		EvalFreq:     1,
		LR:           0.01,
		WeightDecay:  0,
		Optimizer:    "Adam",
		Momentum:     0.999,
		LRScheduler:  "step",
		LRReduceFreq: 0,
		Gamma:        0.5,
		GradClip:     0,
		Seed:         1234,

		TargetClass: 1,
		F1Average:   "macro",

		Save:       false,
		LogRoot:    "logs",
		ConfMatDir: "conf_mats",
		Cuda:       -1,
	}
}

// Load decodes a YAML file on top of base. Unknown keys are rejected.
func Load(path string, base Config) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := base
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return base, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Task != TaskReconstruction && c.ValProp+c.TestProp >= 1 {
		return fmt.Errorf("%w: val_prop + test_prop must be < 1 (got %.3f)", ErrInvalidConfig, c.ValProp+c.TestProp)
	}
	if c.Save && c.SaveDir == "" && c.LogRoot == "" {
		return fmt.Errorf("%w: save requires save_dir or log_root", ErrInvalidConfig)
	}
	return nil
}

// Resolve fills in the values that depend on other fields and returns the
// result. It is idempotent.
func (c Config) Resolve() Config {
	if c.Patience == 0 {
		c.Patience = c.Epochs
	}
	if c.LRReduceFreq == 0 {
		c.LRReduceFreq = c.Epochs
	}
	if c.Task == TaskReconstruction {
		// no validation split: no checkpoint may fire during training
		c.EvalFreq = c.Epochs + 1
	}
	return c
}

// WithSaveDir returns a copy of c writing artifacts to dir.
func (c Config) WithSaveDir(dir string) Config {
	c.SaveDir = dir
	return c
}

// Device reports the accelerator string recorded for the run.
func (c Config) Device() string {
	if c.Cuda >= 0 {
		return fmt.Sprintf("cuda:%d", c.Cuda)
	}
	return "cpu"
}

// Flatten returns every field as a flat key/value map, merged with extra
// (derived facts such as node counts). Extra keys win on collision.
func (c Config) Flatten(extra map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to flatten config: %w", err)
	}
	if c.GradClip == 0 {
		out["grad_clip"] = nil
	}
	out["device"] = c.Device()
	for k, v := range extra {
		out[k] = v
	}
	return out, nil
}
