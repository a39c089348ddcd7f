// Package dataset loads teacher-labeled posts from JSON Lines files and
// assembles the per-example vectors the trainer and evaluator consume.
//
// # Wire format
//
// Each line is one JSON object:
//
//	{
//	  "post":         {"text": "..."},
//	  "teacher":      {"labels": {"humbleBragging": 0.91, ...}},
//	  "human_labels": {"humbleBragging": true, ...}   // optional
//	}
//
// Missing fields degrade silently: absent text becomes the empty string and
// absent teacher labels default to probability 0, yielding a zero-signal
// example rather than an error. A line that is not valid JSON is fatal —
// decoding stops with a [*FormatError] and no partial result, since a
// corrupt dataset must never be half-trained on.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Post is the text payload of one record.
type Post struct {
	Text string `json:"text"`
}

// Teacher carries the teacher model's per-label probabilities.
type Teacher struct {
	Labels map[string]float64 `json:"labels"`
}

// Record is one JSONL line as it appears on the wire.
type Record struct {
	Post        Post            `json:"post"`
	Teacher     Teacher         `json:"teacher"`
	HumanLabels map[string]bool `json:"human_labels,omitempty"`
}

// FormatError reports a line that is not valid JSON.
type FormatError struct {
	Line int // 1-based line number in the input
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("dataset: line %d: %v", e.Line, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// maxLineBytes bounds a single JSONL line. Posts are short; 8 MiB leaves
// generous headroom for pathological inputs without unbounded buffering.
const maxLineBytes = 8 << 20

// DecodeRecords reads JSONL records from r. Blank lines are skipped.
// The first malformed line aborts decoding with a *FormatError.
func DecodeRecords(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var records []Record
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, &FormatError{Line: line, Err: err}
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read line %d: %w", line+1, err)
	}
	return records, nil
}
