package student

import (
	"context"
	"fmt"

	"cringekd/pkg/labelset"
	"cringekd/pkg/onnx"
)

// ONNXModel implements [Student] using ONNX Runtime to run an exported
// classifier. It is inference-only; training goes through [Remote].
//
// # Model Pipeline
//
// Two export shapes are supported:
//
//  1. Integrated tokenizer: the graph takes a string tensor of raw texts
//     and produces [batch, labels] float logits. This is the default and
//     needs no tokenizer on the Go side.
//  2. Bare transformer: the graph takes int64 "input_ids" and
//     "attention_mask" tensors. Provide a [Tokenizer] via
//     [WithONNXTokenizer] to use this shape.
//
// # Thread Safety
//
// ONNXModel is safe for concurrent use; ONNX Runtime serializes
// session runs internally.
type ONNXModel struct {
	env     *onnx.Env
	session *onnx.Session
	tok     Tokenizer

	labels    int
	maxLength int

	textInput  string
	idsInput   string
	maskInput  string
	outputName string
}

// ONNXOption configures an ONNXModel.
type ONNXOption func(*ONNXModel)

// WithONNXTokenizer switches to the bare-transformer input shape and
// supplies the tokenizer for it.
func WithONNXTokenizer(tok Tokenizer) ONNXOption {
	return func(m *ONNXModel) {
		m.tok = tok
	}
}

// WithONNXMaxLength sets the tokenizer truncation length used with
// [WithONNXTokenizer]. Default: 256.
func WithONNXMaxLength(n int) ONNXOption {
	return func(m *ONNXModel) {
		if n > 0 {
			m.maxLength = n
		}
	}
}

// WithONNXTextInput sets the string input name for integrated-tokenizer
// graphs. Default: "text".
func WithONNXTextInput(name string) ONNXOption {
	return func(m *ONNXModel) {
		if name != "" {
			m.textInput = name
		}
	}
}

// WithONNXIDInputs sets the token ID and attention mask input names for
// bare-transformer graphs. Defaults: "input_ids" and "attention_mask".
func WithONNXIDInputs(ids, mask string) ONNXOption {
	return func(m *ONNXModel) {
		if ids != "" {
			m.idsInput = ids
		}
		if mask != "" {
			m.maskInput = mask
		}
	}
}

// WithONNXOutput sets the logits output name. Default: "logits".
func WithONNXOutput(name string) ONNXOption {
	return func(m *ONNXModel) {
		if name != "" {
			m.outputName = name
		}
	}
}

// LoadONNX loads an exported classifier from a .onnx file.
func LoadONNX(path string, opts ...ONNXOption) (*ONNXModel, error) {
	m := &ONNXModel{
		labels:     labelset.Size,
		maxLength:  256,
		textInput:  "text",
		idsInput:   "input_ids",
		maskInput:  "attention_mask",
		outputName: "logits",
	}
	for _, opt := range opts {
		opt(m)
	}

	env, err := onnx.NewEnv("cringekd")
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	session, err := env.NewSessionFromFile(path)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("student: %w", err)
	}
	m.env = env
	m.session = session
	return m, nil
}

func (m *ONNXModel) Labels() int {
	return m.labels
}

func (m *ONNXModel) Forward(ctx context.Context, texts []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	if m.tok != nil {
		return m.forwardTokenized(texts)
	}
	return m.forwardText(texts)
}

// forwardText runs an integrated-tokenizer graph on raw strings.
func (m *ONNXModel) forwardText(texts []string) ([][]float64, error) {
	input, err := onnx.NewStringTensor([]int64{int64(len(texts))}, texts)
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	defer input.Close()

	outputs, err := m.session.Run(
		[]string{m.textInput}, []*onnx.Tensor{input},
		[]string{m.outputName},
	)
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	defer outputs[0].Close()

	data, err := outputs[0].FloatData()
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	return m.reshape(data, len(texts))
}

// forwardTokenized encodes texts with the configured tokenizer and runs
// a bare-transformer graph.
func (m *ONNXModel) forwardTokenized(texts []string) ([][]float64, error) {
	b, l := len(texts), m.maxLength
	ids := make([]int64, 0, b*l)
	mask := make([]int64, 0, b*l)
	for _, text := range texts {
		tIDs, tMask, err := m.tok.Encode(text, l)
		if err != nil {
			return nil, fmt.Errorf("student: tokenize: %w", err)
		}
		if len(tIDs) != l || len(tMask) != l {
			return nil, fmt.Errorf("student: tokenizer returned %d ids and %d mask values, want %d", len(tIDs), len(tMask), l)
		}
		ids = append(ids, tIDs...)
		mask = append(mask, tMask...)
	}

	idsT, err := onnx.NewInt64Tensor([]int64{int64(b), int64(l)}, ids)
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	defer idsT.Close()
	maskT, err := onnx.NewInt64Tensor([]int64{int64(b), int64(l)}, mask)
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	defer maskT.Close()

	outputs, err := m.session.Run(
		[]string{m.idsInput, m.maskInput}, []*onnx.Tensor{idsT, maskT},
		[]string{m.outputName},
	)
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	defer outputs[0].Close()

	data, err := outputs[0].FloatData()
	if err != nil {
		return nil, fmt.Errorf("student: %w", err)
	}
	return m.reshape(data, b)
}

// reshape converts a flat [rows*labels] logit buffer into rows.
func (m *ONNXModel) reshape(data []float32, rows int) ([][]float64, error) {
	if len(data) != rows*m.labels {
		return nil, fmt.Errorf("student: model returned %d logits for %d texts of %d labels", len(data), rows, m.labels)
	}
	out := make([][]float64, rows)
	for bi := range out {
		row := make([]float64, m.labels)
		for i := range row {
			row[i] = float64(data[bi*m.labels+i])
		}
		out[bi] = row
	}
	return out, nil
}

// Close releases the ONNX session and environment.
func (m *ONNXModel) Close() error {
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	if m.env != nil {
		m.env.Close()
		m.env = nil
	}
	return nil
}

// Compile-time interface check.
var _ Student = (*ONNXModel)(nil)
