package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Kapil-Pathak/hgcn/checkpoints"
	"github.com/Kapil-Pathak/hgcn/dataset"
	"github.com/Kapil-Pathak/hgcn/engine"
	"github.com/Kapil-Pathak/hgcn/runstore"
	"github.com/Kapil-Pathak/hgcn/training"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToyGraph(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	g := &dataset.Graph{NumNodes: 16}
	for i := 0; i < 16; i++ {
		g.Edges = append(g.Edges, [2]int{i, (i + 1) % 16}, [2]int{i, (i + 2) % 16})
		g.Labels = append(g.Labels, i%2)
		g.Features = append(g.Features, []float64{float64(i % 2), 1})
	}
	require.NoError(t, dataset.WriteGraph(dir, "toy", g))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dim: 64\nlr: 0.1\ntask: lp\n"), 0644))

	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	flags := bindConfigFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--lr", "0.5", "--weight-decay", "0.01", "--use-att"}))

	cfg, err := flags.Resolve(fs)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Dim)
	assert.Equal(t, 0.5, cfg.LR)
	assert.Equal(t, 0.01, cfg.WeightDecay)
	assert.Equal(t, "lp", cfg.Task)
	assert.True(t, cfg.UseAtt)
	assert.Equal(t, "GCN", cfg.Model)
}

func TestFlagDefaultsDoNotOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: 7\n"), 0644))

	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	flags := bindConfigFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))

	cfg, err := flags.Resolve(fs)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Epochs)
}

func TestFlagsMissingConfigFile(t *testing.T) {
	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	flags := bindConfigFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}))

	_, err := flags.Resolve(fs)
	assert.Error(t, err)
}

func TestTrainAndInspectRuns(t *testing.T) {
	dataDir := writeToyGraph(t)
	db := filepath.Join(t.TempDir(), "runs.db")
	saveDir := filepath.Join(t.TempDir(), "run")

	out, err := execute(t, "train",
		"--dataset", "toy",
		"--data-dir", dataDir,
		"--dim", "4",
		"--epochs", "6",
		"--eval-freq", "2",
		"--val-prop", "0.25",
		"--test-prop", "0.25",
		"--save",
		"--save-dir", saveDir,
		"--conf-mat-dir", t.TempDir(),
		"--runs-db", db,
	)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Optimization Finished!")
	assert.Contains(t, out, "Recorded run ")
	assert.FileExists(t, filepath.Join(saveDir, checkpoints.EmbeddingsFile))

	out, err = execute(t, "runs", "list", "--db", db)
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)

	var rec runstore.Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "toy", rec.Dataset)
	assert.Equal(t, saveDir, rec.SaveDir)
	assert.Equal(t, 4.0, rec.Config["dim"])

	out, err = execute(t, "runs", "show", rec.ID, "--db", db)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"id": "`+rec.ID+`"`)

	out, err = execute(t, "runs", "list", "--db", db, "--dataset", "cora")
	require.NoError(t, err, out)
	assert.Empty(t, strings.TrimSpace(out))

	_, err = execute(t, "runs", "show", "nope", "--db", db)
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)
}

func TestTrainRejectsUnknownOptimizer(t *testing.T) {
	_, err := execute(t, "train", "--dataset", "toy", "--data-dir", t.TempDir(), "--optimizer", "LBFGS")
	assert.Error(t, err)
}

func TestSearchCommand(t *testing.T) {
	dataDir := writeToyGraph(t)
	out, err := execute(t, "search",
		"--dataset", "toy",
		"--data-dir", dataDir,
		"--epochs", "3",
		"--eval-freq", "1",
		"--val-prop", "0.25",
		"--test-prop", "0.25",
		"--conf-mat-dir", t.TempDir(),
		"--trials", "2",
		"--workers", "2",
		"--search-seed", "3",
	)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Best trial ")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "hgcn "+checkpoints.ProducerVersion+"\n", out)
}

func TestTrialScore(t *testing.T) {
	assert.True(t, math.IsInf(trialScore(&engine.Result{}), 1))

	sentinel := &engine.Result{Best: &training.BestState{
		ValMetrics: training.NewMetrics(nil, training.Metric{Name: "f1", Value: -1}),
	}}
	assert.True(t, math.IsInf(trialScore(sentinel), 1))

	scored := &engine.Result{Best: &training.BestState{
		ValMetrics: training.NewMetrics(nil, training.Metric{Name: "loss", Value: 0.42}, training.Metric{Name: "f1", Value: 0.8}),
	}}
	assert.Equal(t, 0.42, trialScore(scored))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
