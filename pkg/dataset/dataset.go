package dataset

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"

	"cringekd/pkg/labelset"
	"cringekd/pkg/storage"
)

// Example is one adapted training/evaluation unit.
type Example struct {
	// Text is the raw post text, possibly empty.
	Text string

	// TeacherProbs is the schema-ordered teacher probability vector.
	// Always labelset.Size wide; missing labels are 0.
	TeacherProbs []float64

	// Target is the supervision vector for the BCE term: a 0/1 vector
	// built from human labels when the record has any, otherwise a copy
	// of TeacherProbs (the soft target is supervised as-is).
	Target []float64

	// HasHumanLabels records which branch built Target.
	HasHumanLabels bool
}

// Adapt maps one wire record onto the fixed label schema. It is pure and
// never fails: missing fields produce defaults, not errors.
func Adapt(rec Record) Example {
	probs := labelset.FloatVector(rec.Teacher.Labels)
	ex := Example{
		Text:         rec.Post.Text,
		TeacherProbs: probs,
	}
	if len(rec.HumanLabels) > 0 {
		ex.Target = labelset.BoolVector(rec.HumanLabels)
		ex.HasHumanLabels = true
	} else {
		ex.Target = slices.Clone(probs)
	}
	return ex
}

// Dataset holds the decoded records and their adapted examples. Records are
// kept alongside examples because evaluation ground truth is assembled from
// the raw label maps, not from the training targets.
type Dataset struct {
	Records  []Record
	Examples []Example
}

// New adapts all records into a Dataset.
func New(records []Record) *Dataset {
	d := &Dataset{
		Records:  records,
		Examples: make([]Example, len(records)),
	}
	for i, rec := range records {
		d.Examples[i] = Adapt(rec)
	}
	return d
}

// Load reads and adapts a JSONL dataset from the store.
func Load(ctx context.Context, fs storage.FileStore, path string) (*Dataset, error) {
	rc, err := fs.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer rc.Close()

	records, err := DecodeRecords(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(records), nil
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Examples) }

// Shuffle permutes records and examples together using rng. The pairing of
// raw record and adapted example is preserved.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.Examples), func(i, j int) {
		d.Examples[i], d.Examples[j] = d.Examples[j], d.Examples[i]
		d.Records[i], d.Records[j] = d.Records[j], d.Records[i]
	})
}

// Batch groups consecutive examples for one training or inference step.
// The slices view the dataset's backing arrays; a batch is consumed within
// its step and must not be retained.
type Batch struct {
	Texts        []string
	TeacherProbs [][]float64
	Targets      [][]float64
}

// Batches iterates the dataset in order as batches of up to size examples.
// The final batch may be smaller. A size below 1 is treated as 1.
func (d *Dataset) Batches(size int) iter.Seq[Batch] {
	if size < 1 {
		size = 1
	}
	return func(yield func(Batch) bool) {
		for start := 0; start < len(d.Examples); start += size {
			end := min(start+size, len(d.Examples))
			b := Batch{
				Texts:        make([]string, end-start),
				TeacherProbs: make([][]float64, end-start),
				Targets:      make([][]float64, end-start),
			}
			for i, ex := range d.Examples[start:end] {
				b.Texts[i] = ex.Text
				b.TeacherProbs[i] = ex.TeacherProbs
				b.Targets[i] = ex.Target
			}
			if !yield(b) {
				return
			}
		}
	}
}

// GroundTruth assembles the evaluation truth matrix: label i of example e is
// true when a human marked it, or failing that when the teacher probability
// meets threshold. Unlike the training target, the teacher side is always
// thresholded — evaluation wants discrete truth, training wants the raw
// soft signal.
func (d *Dataset) GroundTruth(threshold float64) [][]bool {
	names := labelset.Names()
	truth := make([][]bool, len(d.Records))
	for e, rec := range d.Records {
		row := make([]bool, len(names))
		for i, name := range names {
			if rec.HumanLabels[name] {
				row[i] = true
			} else if rec.Teacher.Labels[name] >= threshold {
				row[i] = true
			}
		}
		truth[e] = row
	}
	return truth
}

// LabelStat summarizes one label across a dataset.
type LabelStat struct {
	Name string `json:"name"`

	// MeanTeacherProb is the average teacher probability.
	MeanTeacherProb float64 `json:"mean_teacher_prob"`

	// TeacherPositive counts examples whose teacher probability meets
	// the stats threshold.
	TeacherPositive int `json:"teacher_positive"`

	// HumanPositive counts examples a human marked positive.
	HumanPositive int `json:"human_positive"`
}

// Stats describes a dataset for the CLI's inspection commands.
type Stats struct {
	Records         int         `json:"records"`
	WithHumanLabels int         `json:"with_human_labels"`
	EmptyText       int         `json:"empty_text"`
	Labels          []LabelStat `json:"labels"`
}

// Stats computes summary statistics, counting teacher positives at the
// given threshold.
func (d *Dataset) Stats(threshold float64) Stats {
	names := labelset.Names()
	st := Stats{
		Records: len(d.Records),
		Labels:  make([]LabelStat, len(names)),
	}
	for i, name := range names {
		st.Labels[i].Name = name
	}

	for _, rec := range d.Records {
		if len(rec.HumanLabels) > 0 {
			st.WithHumanLabels++
		}
		if rec.Post.Text == "" {
			st.EmptyText++
		}
		for i, name := range names {
			p := rec.Teacher.Labels[name]
			st.Labels[i].MeanTeacherProb += p
			if p >= threshold {
				st.Labels[i].TeacherPositive++
			}
			if rec.HumanLabels[name] {
				st.Labels[i].HumanPositive++
			}
		}
	}
	if len(d.Records) > 0 {
		for i := range st.Labels {
			st.Labels[i].MeanTeacherProb /= float64(len(d.Records))
		}
	}
	return st
}
