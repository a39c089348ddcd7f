// Package metrics converts continuous multi-label predictions into a
// thresholded classification report: per-label precision, recall, F1 and
// support, plus macro and micro averages.
//
// Macro averaging weights every label equally regardless of support; micro
// averaging pools the confusion counts across labels first. Labels with no
// positive ground truth (or no positive predictions) score zero rather than
// dividing by zero, so a report never contains NaN.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
)

// LabelMetrics holds the thresholded scores for one label.
//
// The JSON field names follow the classification-report convention used by
// the serving side ("f1-score", not "f1").
type LabelMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1-score"`
	Support   int     `json:"support"`
}

// Averages holds one averaging view over all labels.
type Averages struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Report is the full evaluation artifact written as eval_metrics.json.
// The top-level precision/recall/macro_f1 fields are the macro averages,
// matching the historical artifact layout; the micro view rides alongside.
type Report struct {
	MacroF1   float64                 `json:"macro_f1"`
	Precision float64                 `json:"precision"`
	Recall    float64                 `json:"recall"`
	Micro     Averages                `json:"micro"`
	PerLabel  map[string]LabelMetrics `json:"per_label"`

	// Threshold is the positive-prediction cutoff the report was
	// computed with.
	Threshold float64 `json:"threshold"`

	// Examples is the number of evaluated examples.
	Examples int `json:"examples"`
}

// counts is a per-label confusion tally.
type counts struct {
	tp, fp, fn int
}

// safeDiv returns num/den, or 0 when den is 0.
func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// scores converts a confusion tally into precision/recall/F1.
func (c counts) scores() (precision, recall, f1 float64) {
	precision = safeDiv(float64(c.tp), float64(c.tp+c.fp))
	recall = safeDiv(float64(c.tp), float64(c.tp+c.fn))
	f1 = safeDiv(2*precision*recall, precision+recall)
	return
}

// Evaluate thresholds the predicted probabilities at threshold and scores
// them against the binary ground truth. probs and truth must both be
// [examples][len(names)]; names supplies the per-label report keys in
// schema order.
func Evaluate(names []string, probs [][]float64, truth [][]bool, threshold float64) (*Report, error) {
	n := len(names)
	if n == 0 {
		return nil, fmt.Errorf("metrics: no label names")
	}
	if len(probs) != len(truth) {
		return nil, fmt.Errorf("metrics: %d prediction rows vs %d truth rows", len(probs), len(truth))
	}

	tally := make([]counts, n)
	for row := range probs {
		if len(probs[row]) != n || len(truth[row]) != n {
			return nil, fmt.Errorf("metrics: row %d width mismatch: probs=%d truth=%d (want %d)", row, len(probs[row]), len(truth[row]), n)
		}
		for i := 0; i < n; i++ {
			pred := probs[row][i] >= threshold
			actual := truth[row][i]
			switch {
			case pred && actual:
				tally[i].tp++
			case pred && !actual:
				tally[i].fp++
			case !pred && actual:
				tally[i].fn++
			}
		}
	}

	report := &Report{
		PerLabel:  make(map[string]LabelMetrics, n),
		Threshold: threshold,
		Examples:  len(probs),
	}

	var global counts
	for i, name := range names {
		p, r, f1 := tally[i].scores()
		report.PerLabel[name] = LabelMetrics{
			Precision: p,
			Recall:    r,
			F1:        f1,
			Support:   tally[i].tp + tally[i].fn,
		}
		report.MacroF1 += f1
		report.Precision += p
		report.Recall += r

		global.tp += tally[i].tp
		global.fp += tally[i].fp
		global.fn += tally[i].fn
	}
	report.MacroF1 /= float64(n)
	report.Precision /= float64(n)
	report.Recall /= float64(n)

	mp, mr, mf1 := global.scores()
	report.Micro = Averages{Precision: mp, Recall: mr, F1: mf1}

	return report, nil
}

// Write encodes the report as indented JSON.
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("metrics: encode report: %w", err)
	}
	return nil
}
