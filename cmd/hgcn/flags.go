package main

import (
	"strings"

	"github.com/Kapil-Pathak/hgcn/config"
	"github.com/spf13/pflag"
)

// configFlags binds every config.Config field to a flag. Flag values land in
// a scratch Config; Resolve copies only the flags the user set, so they win
// over a --config file without the file losing to flag defaults.
type configFlags struct {
	scratch config.Config
	apply   map[string]func(dst *config.Config)
	file    string
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func bindConfigFlags(fs *pflag.FlagSet) *configFlags {
	b := &configFlags{scratch: config.Default(), apply: make(map[string]func(*config.Config))}
	fs.StringVar(&b.file, "config", "", "YAML file with run parameters, overridden by explicit flags")

	str := func(key, usage string, field func(*config.Config) *string) {
		fs.StringVar(field(&b.scratch), flagName(key), *field(&b.scratch), usage)
		b.apply[flagName(key)] = func(dst *config.Config) { *field(dst) = *field(&b.scratch) }
	}
	f64 := func(key, usage string, field func(*config.Config) *float64) {
		fs.Float64Var(field(&b.scratch), flagName(key), *field(&b.scratch), usage)
		b.apply[flagName(key)] = func(dst *config.Config) { *field(dst) = *field(&b.scratch) }
	}
	integer := func(key, usage string, field func(*config.Config) *int) {
		fs.IntVar(field(&b.scratch), flagName(key), *field(&b.scratch), usage)
		b.apply[flagName(key)] = func(dst *config.Config) { *field(dst) = *field(&b.scratch) }
	}
	i64 := func(key, usage string, field func(*config.Config) *int64) {
		fs.Int64Var(field(&b.scratch), flagName(key), *field(&b.scratch), usage)
		b.apply[flagName(key)] = func(dst *config.Config) { *field(dst) = *field(&b.scratch) }
	}
	boolean := func(key, usage string, field func(*config.Config) *bool) {
		fs.BoolVar(field(&b.scratch), flagName(key), *field(&b.scratch), usage)
		b.apply[flagName(key)] = func(dst *config.Config) { *field(dst) = *field(&b.scratch) }
	}

	// data
	str("dataset", "dataset name under --data-dir", func(c *config.Config) *string { return &c.Dataset })
	str("data_dir", "directory holding <dataset>/graph.json", func(c *config.Config) *string { return &c.DataDir })
	str("task", "nc, lp or rec", func(c *config.Config) *string { return &c.Task })
	f64("val_prop", "proportion of validation nodes or edges", func(c *config.Config) *float64 { return &c.ValProp })
	f64("test_prop", "proportion of test nodes or edges", func(c *config.Config) *float64 { return &c.TestProp })
	i64("split_seed", "seed for the data split", func(c *config.Config) *int64 { return &c.SplitSeed })
	boolean("use_feats", "use node features, identity otherwise", func(c *config.Config) *bool { return &c.UseFeats })
	boolean("normalize_feats", "row-normalise features", func(c *config.Config) *bool { return &c.NormalizeFeats })
	boolean("normalize_adj", "row-normalise the adjacency", func(c *config.Config) *bool { return &c.NormalizeAdj })

	// model
	str("model", "GCN or MLP", func(c *config.Config) *string { return &c.Model })
	integer("dim", "embedding dimension", func(c *config.Config) *int { return &c.Dim })
	integer("num_layers", "number of layers including the classifier", func(c *config.Config) *int { return &c.NumLayers })
	str("act", "relu, tanh or none", func(c *config.Config) *string { return &c.Act })
	boolean("bias", "use bias terms", func(c *config.Config) *bool { return &c.Bias })
	f64("dropout", "dropout probability", func(c *config.Config) *float64 { return &c.Dropout })
	boolean("use_att", "aggregate with attention weights", func(c *config.Config) *bool { return &c.UseAtt })
	str("manifold", "embedding manifold", func(c *config.Config) *string { return &c.Manifold })
	f64("c", "curvature", func(c *config.Config) *float64 { return &c.C })
	f64("r", "Fermi-Dirac decoder radius", func(c *config.Config) *float64 { return &c.R })
	f64("t", "Fermi-Dirac decoder temperature", func(c *config.Config) *float64 { return &c.T })

	// optimisation
	integer("epochs", "maximum number of epochs", func(c *config.Config) *int { return &c.Epochs })
	integer("patience", "non-improving checkpoints before early stopping", func(c *config.Config) *int { return &c.Patience })
	integer("min_epochs", "do not early stop before this epoch", func(c *config.Config) *int { return &c.MinEpochs })
	integer("log_freq", "log training metrics every n epochs", func(c *config.Config) *int { return &c.LogFreq })
	integer("eval_freq", "evaluate every n epochs", func(c *config.Config) *int { return &c.EvalFreq })
	f64("lr", "learning rate", func(c *config.Config) *float64 { return &c.LR })
	f64("weight_decay", "L2 regularisation strength", func(c *config.Config) *float64 { return &c.WeightDecay })
	str("optimizer", "Adam, SGD, RMSProp, Adagrad, NAdam or AdaDelta", func(c *config.Config) *string { return &c.Optimizer })
	f64("momentum", "SGD momentum", func(c *config.Config) *float64 { return &c.Momentum })
	str("lr_scheduler", "step, exponential, cosine or constant", func(c *config.Config) *string { return &c.LRScheduler })
	integer("lr_reduce_freq", "step scheduler period, 0 for the epoch count", func(c *config.Config) *int { return &c.LRReduceFreq })
	f64("gamma", "learning rate decay factor", func(c *config.Config) *float64 { return &c.Gamma })
	f64("grad_clip", "max gradient norm per parameter, 0 disables clipping", func(c *config.Config) *float64 { return &c.GradClip })
	i64("seed", "seed for weights and sampling", func(c *config.Config) *int64 { return &c.Seed })

	// evaluation
	integer("target_class", "sorted label position whose recall is reported", func(c *config.Config) *int { return &c.TargetClass })
	str("f1_average", "macro, micro or weighted", func(c *config.Config) *string { return &c.F1Average })

	// output
	boolean("save", "save embeddings, model and config", func(c *config.Config) *bool { return &c.Save })
	str("save_dir", "artifact directory, numbered under --log-root when empty", func(c *config.Config) *string { return &c.SaveDir })
	str("log_root", "root of numbered save directories", func(c *config.Config) *string { return &c.LogRoot })
	str("conf_mat_dir", "directory for test confusion matrices", func(c *config.Config) *string { return &c.ConfMatDir })
	integer("cuda", "accelerator index, -1 for cpu", func(c *config.Config) *int { return &c.Cuda })
	boolean("double_precision", "store model weights as float64", func(c *config.Config) *bool { return &c.DoublePrecision })
	str("runs_db", "run history database directory, disabled when empty", func(c *config.Config) *string { return &c.RunsDB })

	return b
}

// Resolve builds the run configuration: defaults, then the --config file,
// then every flag set on the command line.
func (b *configFlags) Resolve(fs *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if b.file != "" {
		var err error
		if cfg, err = config.Load(b.file, cfg); err != nil {
			return cfg, err
		}
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := b.apply[f.Name]; ok {
			apply(&cfg)
		}
	})
	return cfg, nil
}
