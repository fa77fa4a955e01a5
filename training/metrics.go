package training

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// F1 averaging schemes.
const (
	AverageMacro    = "macro"
	AverageMicro    = "micro"
	AverageWeighted = "weighted"
)

// ConfusionMatrix counts true-class versus predicted-class assignments.
// Rows are true classes and columns are predicted classes, both ordered by
// ascending label.
type ConfusionMatrix struct {
	Labels       []int   // sorted class labels indexing rows and columns
	Matrix       [][]int // Matrix[i][j] = samples of class Labels[i] predicted as Labels[j]
	TotalSamples int
}

// NewConfusionMatrix builds the matrix over the sorted union of the labels
// seen in truth and pred. The two slices must have equal length.
func NewConfusionMatrix(truth, pred []int) *ConfusionMatrix {
	seen := make(map[int]bool)
	for _, v := range truth {
		seen[v] = true
	}
	for _, v := range pred {
		seen[v] = true
	}
	labels := make([]int, 0, len(seen))
	for v := range seen {
		labels = append(labels, v)
	}
	sort.Ints(labels)

	return NewConfusionMatrixWithLabels(truth, pred, labels)
}

// NewConfusionMatrixWithLabels builds the matrix over a fixed label order.
// Samples whose label is not listed are skipped.
func NewConfusionMatrixWithLabels(truth, pred []int, labels []int) *ConfusionMatrix {
	index := make(map[int]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	cm := &ConfusionMatrix{
		Labels: append([]int(nil), labels...),
		Matrix: make([][]int, len(labels)),
	}
	for i := range cm.Matrix {
		cm.Matrix[i] = make([]int, len(labels))
	}
	for k := range truth {
		i, ok1 := index[truth[k]]
		j, ok2 := index[pred[k]]
		if !ok1 || !ok2 {
			continue
		}
		cm.Matrix[i][j]++
		cm.TotalSamples++
	}
	return cm
}

// NumClasses returns the matrix dimension.
func (cm *ConfusionMatrix) NumClasses() int {
	if cm == nil {
		return 0
	}
	return len(cm.Labels)
}

// Dense returns the counts as a float64 matrix, or nil when empty.
func (cm *ConfusionMatrix) Dense() *mat.Dense {
	n := cm.NumClasses()
	if n == 0 {
		return nil
	}
	d := mat.NewDense(n, n, nil)
	for i, row := range cm.Matrix {
		for j, v := range row {
			d.Set(i, j, float64(v))
		}
	}
	return d
}

// Accuracy returns the fraction of samples on the diagonal.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.NumClasses() == 0 || cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

func (cm *ConfusionMatrix) support(i int) int {
	s := 0
	for _, v := range cm.Matrix[i] {
		s += v
	}
	return s
}

func (cm *ConfusionMatrix) predicted(j int) int {
	s := 0
	for i := range cm.Matrix {
		s += cm.Matrix[i][j]
	}
	return s
}

// Precision returns the precision of the class at index i, 0 when the class
// was never predicted.
func (cm *ConfusionMatrix) Precision(i int) float64 {
	p := cm.predicted(i)
	if p == 0 {
		return 0
	}
	return float64(cm.Matrix[i][i]) / float64(p)
}

// Recall returns the recall of the class at index i, 0 when the class has no
// samples.
func (cm *ConfusionMatrix) Recall(i int) float64 {
	s := cm.support(i)
	if s == 0 {
		return 0
	}
	return float64(cm.Matrix[i][i]) / float64(s)
}

// F1 returns the F1 score of the class at index i.
func (cm *ConfusionMatrix) F1(i int) float64 {
	p, r := cm.Precision(i), cm.Recall(i)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Recalls returns the per-class recall in label order.
func (cm *ConfusionMatrix) Recalls() []float64 {
	out := make([]float64, cm.NumClasses())
	for i := range out {
		out[i] = cm.Recall(i)
	}
	return out
}

// MacroF1 averages per-class F1 uniformly.
func (cm *ConfusionMatrix) MacroF1() float64 {
	n := cm.NumClasses()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += cm.F1(i)
	}
	return sum / float64(n)
}

// MicroF1 computes F1 from global true positive, false positive and false
// negative counts.
func (cm *ConfusionMatrix) MicroF1() float64 {
	if cm.NumClasses() == 0 {
		return 0
	}
	tp, fp, fn := 0, 0, 0
	for i := range cm.Matrix {
		tp += cm.Matrix[i][i]
		fp += cm.predicted(i) - cm.Matrix[i][i]
		fn += cm.support(i) - cm.Matrix[i][i]
	}
	if 2*tp+fp+fn == 0 {
		return 0
	}
	return 2 * float64(tp) / float64(2*tp+fp+fn)
}

// WeightedF1 averages per-class F1 weighted by class support.
func (cm *ConfusionMatrix) WeightedF1() float64 {
	if cm.NumClasses() == 0 || cm.TotalSamples == 0 {
		return 0
	}
	var sum float64
	for i := range cm.Matrix {
		sum += cm.F1(i) * float64(cm.support(i))
	}
	return sum / float64(cm.TotalSamples)
}

// AveragedF1 dispatches on the averaging scheme name.
func (cm *ConfusionMatrix) AveragedF1(average string) (float64, error) {
	switch average {
	case AverageMacro, "":
		return cm.MacroF1(), nil
	case AverageMicro:
		return cm.MicroF1(), nil
	case AverageWeighted:
		return cm.WeightedF1(), nil
	default:
		return 0, fmt.Errorf("unknown F1 average %q", average)
	}
}

// EvalOptions controls how Evaluate summarises predictions.
type EvalOptions struct {
	Average     string // F1 averaging scheme, macro by default
	TargetClass int    // position in the sorted label set whose recall is reported
}

// DefaultEvalOptions returns macro F1 with recall reported for class index 1.
func DefaultEvalOptions() EvalOptions {
	return EvalOptions{Average: AverageMacro, TargetClass: 1}
}

// Evaluation is the result of comparing predictions to ground truth.
type Evaluation struct {
	Accuracy float64
	F1       float64
	Recall   float64
	ConfMat  *ConfusionMatrix
}

// Evaluate computes accuracy, averaged F1, the recall of the target class and
// the confusion matrix. Recall is 0 when the target index is beyond the
// observed label set.
func Evaluate(pred, truth []int, opts EvalOptions) (Evaluation, error) {
	if len(pred) != len(truth) {
		return Evaluation{}, fmt.Errorf("predictions length mismatch: expected %d, got %d", len(truth), len(pred))
	}
	cm := NewConfusionMatrix(truth, pred)
	f1, err := cm.AveragedF1(opts.Average)
	if err != nil {
		return Evaluation{}, err
	}
	var recall float64
	if opts.TargetClass >= 0 && opts.TargetClass < cm.NumClasses() {
		recall = cm.Recall(opts.TargetClass)
	}
	return Evaluation{
		Accuracy: cm.Accuracy(),
		F1:       f1,
		Recall:   recall,
		ConfMat:  cm,
	}, nil
}

// Argmax returns the column index of the largest entry in each row.
func Argmax(output mat.Matrix) []int {
	r, c := output.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		best := 0
		bestVal := output.At(i, 0)
		for j := 1; j < c; j++ {
			if v := output.At(i, j); v > bestVal {
				bestVal = v
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// AccF1 evaluates class scores (one row per sample) against labels.
func AccF1(output mat.Matrix, labels []int, opts EvalOptions) (Evaluation, error) {
	return Evaluate(Argmax(output), labels, opts)
}

type scoredLabel struct {
	score float64
	label int
}

func sortedByScore(scores []float64, labels []int) ([]scoredLabel, int, int, error) {
	if len(scores) != len(labels) {
		return nil, 0, 0, fmt.Errorf("scores length mismatch: expected %d, got %d", len(labels), len(scores))
	}
	pairs := make([]scoredLabel, len(scores))
	pos, neg := 0, 0
	for i := range scores {
		pairs[i] = scoredLabel{score: scores[i], label: labels[i]}
		if labels[i] == 1 {
			pos++
		} else {
			neg++
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	return pairs, pos, neg, nil
}

// AUCROC returns the area under the ROC curve for binary labels (1 is the
// positive class). Tied scores are handled as a single threshold. Returns 0
// when only one class is present.
func AUCROC(scores []float64, labels []int) (float64, error) {
	pairs, totalPos, totalNeg, err := sortedByScore(scores, labels)
	if err != nil {
		return 0, err
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0, nil
	}

	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc, nil
}

// AveragePrecision summarises the precision-recall curve as the recall
// weighted mean of precisions at each distinct threshold.
func AveragePrecision(scores []float64, labels []int) (float64, error) {
	pairs, totalPos, _, err := sortedByScore(scores, labels)
	if err != nil {
		return 0, err
	}
	if totalPos == 0 {
		return 0, nil
	}

	ap := 0.0
	tp, seen := 0, 0
	prevRecall := 0.0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				tp++
			}
			seen++
			j++
		}
		recall := float64(tp) / float64(totalPos)
		precision := float64(tp) / float64(seen)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return ap, nil
}
