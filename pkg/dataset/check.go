package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"cringekd/pkg/labelset"
)

// Finding is one problem Check found in a JSONL dataset.
type Finding struct {
	Line    int    `json:"line" yaml:"line"`
	Message string `json:"message" yaml:"message"`
}

func f64(v float64) *float64 { return &v }

// recordSchema is the wire contract for one JSONL line. Every key is
// optional, since absent fields default at adaptation time; the schema
// polices types and probability ranges.
var recordSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"post": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"text": {Type: "string"},
			},
		},
		"teacher": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"labels": {
					Type: "object",
					AdditionalProperties: &jsonschema.Schema{
						Type:    "number",
						Minimum: f64(0),
						Maximum: f64(1),
					},
				},
			},
		},
		"human_labels": {
			Type:                 "object",
			AdditionalProperties: &jsonschema.Schema{Type: "boolean"},
		},
	},
}

var resolveRecordSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	return recordSchema.Resolve(nil)
})

// Check validates raw JSONL against the wire contract. Unlike
// DecodeRecords it does not stop at the first problem: every offending
// line yields a Finding, so a whole dataset can be repaired in one pass.
// Beyond the schema (types, probability ranges) it flags label names
// outside the schema, which Adapt would otherwise silently ignore.
// Returns the number of non-blank lines checked.
func Check(r io.Reader) (int, []Finding, error) {
	resolved, err := resolveRecordSchema()
	if err != nil {
		return 0, nil, fmt.Errorf("dataset: resolve record schema: %w", err)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var findings []Finding
	checked := 0
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		checked++

		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			findings = append(findings, Finding{Line: line, Message: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		if err := resolved.Validate(v); err != nil {
			findings = append(findings, Finding{Line: line, Message: err.Error()})
			continue
		}
		findings = append(findings, checkLabelNames(line, v)...)
	}
	if err := sc.Err(); err != nil {
		return checked, findings, fmt.Errorf("dataset: read line %d: %w", line+1, err)
	}
	return checked, findings, nil
}

// checkLabelNames flags label keys outside the schema in both label maps.
func checkLabelNames(line int, v any) []Finding {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	var findings []Finding
	if teacher, ok := obj["teacher"].(map[string]any); ok {
		if labels, ok := teacher["labels"].(map[string]any); ok {
			findings = append(findings, unknownNames(line, "teacher.labels", labels)...)
		}
	}
	if human, ok := obj["human_labels"].(map[string]any); ok {
		findings = append(findings, unknownNames(line, "human_labels", human)...)
	}
	return findings
}

func unknownNames(line int, field string, m map[string]any) []Finding {
	var names []string
	for name := range m {
		if _, ok := labelset.Index(name); !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	findings := make([]Finding, 0, len(names))
	for _, name := range names {
		findings = append(findings, Finding{
			Line:    line,
			Message: fmt.Sprintf("%s: unknown label %q", field, name),
		})
	}
	return findings
}
