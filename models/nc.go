package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/Kapil-Pathak/hgcn/dataset"
	"github.com/Kapil-Pathak/hgcn/layers"
	"github.com/Kapil-Pathak/hgcn/training"
	"gonum.org/v1/gonum/mat"
)

// ErrNoTrainingLoss is returned by Backward without a preceding training
// mode ComputeMetrics call.
var ErrNoTrainingLoss = errors.New("no training loss to backpropagate")

// NCModel classifies nodes: the encoder embeddings go through one more graph
// convolution to class scores, trained with log-softmax and NLL.
type NCModel struct {
	base
	decoder *layers.GraphConvolution
	classes int

	dLogits *mat.Dense
}

// ComputeMetrics decodes emb and scores the nodes of split. Reported
// scalars are loss, acc, f1 and recall.
func (m *NCModel) ComputeMetrics(emb *mat.Dense, data *dataset.Dataset, split dataset.Split) (training.Metrics, error) {
	idx := data.Index(split)
	if len(idx) == 0 {
		return training.Metrics{}, fmt.Errorf("split %s has no nodes", split)
	}
	logits, err := m.decoder.Forward(emb, data.AdjTrainNorm)
	if err != nil {
		return training.Metrics{}, err
	}
	logProbs := logSoftmax(logits)

	var loss float64
	truth := make([]int, len(idx))
	rows := mat.NewDense(len(idx), m.classes, nil)
	for k, i := range idx {
		label := data.Labels[i]
		if label < 0 || label >= m.classes {
			return training.Metrics{}, fmt.Errorf("node %d has label %d outside %d classes", i, label, m.classes)
		}
		loss -= logProbs.At(i, label)
		truth[k] = label
		rows.SetRow(k, logProbs.RawRowView(i))
	}
	loss /= float64(len(idx))
	pred := training.Argmax(rows)

	if m.training {
		// d(mean NLL)/d(logits) = (softmax - onehot) / |idx| on the split rows
		n, _ := logits.Dims()
		d := mat.NewDense(n, m.classes, nil)
		scale := 1 / float64(len(idx))
		for k, i := range idx {
			row := d.RawRowView(i)
			for j := range row {
				row[j] = math.Exp(logProbs.At(i, j)) * scale
			}
			row[truth[k]] -= scale
		}
		m.dLogits = d
	}

	ev, err := training.Evaluate(pred, truth, m.evalOpts)
	if err != nil {
		return training.Metrics{}, err
	}
	return training.NewMetrics(ev.ConfMat,
		training.Metric{Name: "loss", Value: loss},
		training.Metric{Name: "acc", Value: ev.Accuracy},
		training.Metric{Name: "f1", Value: ev.F1},
		training.Metric{Name: "recall", Value: ev.Recall},
	), nil
}

func (m *NCModel) Backward() error {
	if m.dLogits == nil {
		return ErrNoTrainingLoss
	}
	dEmb, err := m.decoder.Backward(m.dLogits)
	if err != nil {
		return err
	}
	m.dLogits = nil
	return m.encoder.Backward(dEmb)
}

// HasImproved compares validation F1.
func (m *NCModel) HasImproved(prev, curr training.Metrics) bool {
	return prev.Value("f1") < curr.Value("f1")
}

func (m *NCModel) InitMetricDict() training.Metrics {
	return training.NewMetrics(nil,
		training.Metric{Name: "acc", Value: -1},
		training.Metric{Name: "f1", Value: -1},
	)
}

func (m *NCModel) Train() {
	m.base.Train()
	m.decoder.Train()
}

func (m *NCModel) Eval() {
	m.base.Eval()
	m.decoder.Eval()
}

// logSoftmax applies a numerically stable row-wise log-softmax.
func logSoftmax(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		maxV := math.Inf(-1)
		for _, v := range row {
			maxV = math.Max(maxV, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - maxV)
		}
		lse := maxV + math.Log(sum)
		dst := out.RawRowView(i)
		for j, v := range row {
			dst[j] = v - lse
		}
	}
	return out
}
