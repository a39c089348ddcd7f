package student_test

import (
	"testing"

	"cringekd/pkg/student"
)

func TestLoadONNXMissingFile(t *testing.T) {
	if _, err := student.LoadONNX("no/such/model.onnx"); err == nil {
		t.Fatal("expected error for missing model file")
	}
}
