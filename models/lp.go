package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Kapil-Pathak/hgcn/dataset"
	"github.com/Kapil-Pathak/hgcn/training"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// probClamp keeps the binary cross entropy finite.
const probClamp = 1e-7

// FermiDirac scores an edge from the squared distance of its endpoints:
// p = 1 / (exp((d - r) / t) + 1).
type FermiDirac struct {
	R float64
	T float64
}

func (f FermiDirac) Prob(sqdist float64) float64 {
	return 1 / (math.Exp((sqdist-f.R)/f.T) + 1)
}

// LPModel predicts links from embedding distances. Training samples as many
// negatives from the train false edges as there are positives.
type LPModel struct {
	base
	decoder FermiDirac
	rng     *rand.Rand

	// cached by a training mode ComputeMetrics
	dEmb *mat.Dense
}

// ComputeMetrics scores the positive and negative edges of split. Reported
// scalars are loss, roc and ap; the confusion matrix thresholds at 0.5.
func (m *LPModel) ComputeMetrics(emb *mat.Dense, data *dataset.Dataset, split dataset.Split) (training.Metrics, error) {
	pos := data.Edges(split)
	neg := data.EdgesFalse(split)
	if split == dataset.Train && len(neg) > 0 {
		sampled := make([]dataset.Edge, len(pos))
		for i := range sampled {
			sampled[i] = neg[m.rng.Intn(len(neg))]
		}
		neg = sampled
	}
	if len(pos) == 0 || len(neg) == 0 {
		return training.Metrics{}, fmt.Errorf("split %s needs positive and negative edges, got %d and %d", split, len(pos), len(neg))
	}

	n, dim := emb.Dims()
	var dEmb *mat.Dense
	if m.training {
		dEmb = mat.NewDense(n, dim, nil)
	}
	diff := make([]float64, dim)

	scores := make([]float64, 0, len(pos)+len(neg))
	labels := make([]int, 0, len(pos)+len(neg))
	score := func(edges []dataset.Edge, label int) (float64, error) {
		var loss float64
		for _, e := range edges {
			u, v := e[0], e[1]
			if u < 0 || u >= n || v < 0 || v >= n {
				return 0, fmt.Errorf("edge (%d, %d) outside %d nodes", u, v, n)
			}
			floats.SubTo(diff, emb.RawRowView(u), emb.RawRowView(v))
			sqdist := floats.Dot(diff, diff)
			p := m.decoder.Prob(sqdist)
			scores = append(scores, p)
			labels = append(labels, label)

			pc := math.Min(math.Max(p, probClamp), 1-probClamp)
			if label == 1 {
				loss -= math.Log(pc)
			} else {
				loss -= math.Log(1 - pc)
			}

			if dEmb != nil {
				// d(mean BCE)/d(sqdist) = (y - p) / (t * |edges|)
				g := 2 * (float64(label) - p) / (m.decoder.T * float64(len(edges)))
				floats.AddScaled(dEmb.RawRowView(u), g, diff)
				floats.AddScaled(dEmb.RawRowView(v), -g, diff)
			}
		}
		return loss / float64(len(edges)), nil
	}

	posLoss, err := score(pos, 1)
	if err != nil {
		return training.Metrics{}, err
	}
	negLoss, err := score(neg, 0)
	if err != nil {
		return training.Metrics{}, err
	}
	if m.training {
		m.dEmb = dEmb
	}

	roc, err := training.AUCROC(scores, labels)
	if err != nil {
		return training.Metrics{}, err
	}
	ap, err := training.AveragePrecision(scores, labels)
	if err != nil {
		return training.Metrics{}, err
	}
	pred := make([]int, len(scores))
	for i, p := range scores {
		if p >= 0.5 {
			pred[i] = 1
		}
	}
	cm := training.NewConfusionMatrixWithLabels(labels, pred, []int{0, 1})

	return training.NewMetrics(cm,
		training.Metric{Name: "loss", Value: posLoss + negLoss},
		training.Metric{Name: "roc", Value: roc},
		training.Metric{Name: "ap", Value: ap},
	), nil
}

func (m *LPModel) Backward() error {
	if m.dEmb == nil {
		return ErrNoTrainingLoss
	}
	d := m.dEmb
	m.dEmb = nil
	return m.encoder.Backward(d)
}

// HasImproved compares the mean of validation roc and ap.
func (m *LPModel) HasImproved(prev, curr training.Metrics) bool {
	return 0.5*(prev.Value("roc")+prev.Value("ap")) < 0.5*(curr.Value("roc")+curr.Value("ap"))
}

func (m *LPModel) InitMetricDict() training.Metrics {
	return training.NewMetrics(nil,
		training.Metric{Name: "roc", Value: -1},
		training.Metric{Name: "ap", Value: -1},
	)
}

// RECModel reconstructs the full graph from embeddings. It trains like
// LPModel; the reconstruction split has every edge in all three subsets.
type RECModel struct {
	*LPModel
}
