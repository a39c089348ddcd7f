// Package distill implements the knowledge-distillation objective used to
// train the compact cringe classifier against a larger teacher model.
//
// # Objective
//
// For a batch of B examples over N labels, with student logits z, teacher
// probabilities t, supervision targets y, and temperature T:
//
//	soft  = normalize(t^(1/T))                    per example, floored denominator
//	KL    = kl_div(log_softmax(z/T), soft) · T²   mean over the batch
//	CE    = bce_with_logits(z, y)                 mean over all B·N elements
//	Total = αKL·KL + αCE·CE
//
// The KL term deliberately treats the N labels as one categorical
// distribution (softmax over the label axis), while the CE term treats them
// as independent binaries. The asymmetry is part of the objective's
// definition — the teacher's soft scores act as a pseudo-distribution for
// distillation while hard supervision stays per-label — and both terms must
// be computed exactly as stated.
//
// All math is float64. Logits are never clamped; stability comes from the
// usual max-shifted log-softmax and softplus-based BCE forms. An all-zero
// teacher vector survives the normalization floor and contributes zero to
// the KL term rather than producing NaN.
package distill

import (
	"fmt"
	"math"
)

// Default hyperparameters.
const (
	DefaultTemperature = 2.0
	DefaultAlphaKL     = 0.7
	DefaultAlphaCE     = 0.3

	// DefaultFloor guards the soft-target renormalization against
	// all-zero teacher vectors.
	DefaultFloor = 1e-9
)

// Params holds the distillation hyperparameters.
type Params struct {
	// Temperature scales both the teacher sharpening exponent (1/T)
	// and the student softmax. Must be positive.
	Temperature float64

	// AlphaKL weights the distillation (KL) term.
	AlphaKL float64

	// AlphaCE weights the supervision (BCE) term.
	AlphaCE float64

	// Floor is the minimum renormalization denominator for the softened
	// teacher distribution. Zero or negative selects DefaultFloor.
	Floor float64
}

// DefaultParams returns the standard training hyperparameters.
func DefaultParams() Params {
	return Params{
		Temperature: DefaultTemperature,
		AlphaKL:     DefaultAlphaKL,
		AlphaCE:     DefaultAlphaCE,
		Floor:       DefaultFloor,
	}
}

// Validate checks that the parameters are usable.
func (p Params) Validate() error {
	if p.Temperature <= 0 {
		return fmt.Errorf("distill: temperature must be positive, got %v", p.Temperature)
	}
	if p.AlphaKL < 0 || p.AlphaCE < 0 {
		return fmt.Errorf("distill: loss weights must be non-negative, got kl=%v ce=%v", p.AlphaKL, p.AlphaCE)
	}
	return nil
}

// floor returns the effective renormalization floor.
func (p Params) floor() float64 {
	if p.Floor > 0 {
		return p.Floor
	}
	return DefaultFloor
}

// Loss is the decomposed objective value for one batch.
type Loss struct {
	// KL is the distillation term, already scaled by T².
	KL float64

	// CE is the mean binary cross-entropy term.
	CE float64

	// Total is AlphaKL·KL + AlphaCE·CE.
	Total float64
}

// TeacherSoft returns the temperature-softened teacher distribution for one
// example: probs^(1/T), renormalized to sum to 1 with the denominator
// floored. Negative entries are treated as zero. An all-zero input stays
// all-zero (the floor prevents division by zero rather than inventing mass).
//
// Params must be valid; see [Params.Validate].
func TeacherSoft(p Params, probs []float64) []float64 {
	out := make([]float64, len(probs))
	teacherSoftInto(out, probs, 1/p.Temperature, p.floor())
	return out
}

// teacherSoftInto writes the softened distribution for one example into dst.
func teacherSoftInto(dst, probs []float64, invT, floor float64) {
	sum := 0.0
	for i, v := range probs {
		if v <= 0 {
			dst[i] = 0
			continue
		}
		s := math.Pow(v, invT)
		dst[i] = s
		sum += s
	}
	denom := sum
	if denom < floor {
		denom = floor
	}
	for i := range dst {
		dst[i] /= denom
	}
}

// logSoftmaxInto writes log_softmax(z·invT) into dst using the max-shifted
// stable form.
func logSoftmaxInto(dst, z []float64, invT float64) {
	m := math.Inf(-1)
	for _, v := range z {
		if u := v * invT; u > m {
			m = u
		}
	}
	sum := 0.0
	for i, v := range z {
		u := v*invT - m
		dst[i] = u
		sum += math.Exp(u)
	}
	lse := math.Log(sum)
	for i := range dst {
		dst[i] -= lse
	}
}

// bceWithLogits returns the numerically stable elementwise binary
// cross-entropy: max(z,0) − z·y + log(1+exp(−|z|)).
func bceWithLogits(z, y float64) float64 {
	loss := -z * y
	if z > 0 {
		loss += z
	}
	return loss + math.Log1p(math.Exp(-math.Abs(z)))
}

// sigmoid maps a logit to a probability, saturating instead of overflowing.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Sigmoid maps a logit to a probability in (0,1).
func Sigmoid(z float64) float64 { return sigmoid(z) }

// Losses computes the batch objective for student logits against the
// teacher probabilities and supervision targets. All three matrices must
// have the same shape [B][N] with B ≥ 1.
func Losses(p Params, logits, teacher, targets [][]float64) (Loss, error) {
	return compute(p, logits, teacher, targets, nil)
}

// LossGradients computes the batch objective and the analytic gradient of
// Loss.Total with respect to every logit. The gradient matrix has the same
// shape as logits and is what a training backend applies via backpropagation
// through the encoder.
func LossGradients(p Params, logits, teacher, targets [][]float64) (Loss, [][]float64, error) {
	grads := make([][]float64, len(logits))
	for i, row := range logits {
		grads[i] = make([]float64, len(row))
	}
	loss, err := compute(p, logits, teacher, targets, grads)
	if err != nil {
		return Loss{}, nil, err
	}
	return loss, grads, nil
}

// compute evaluates the objective, optionally filling grads (same shape as
// logits) with dTotal/dLogit.
func compute(p Params, logits, teacher, targets [][]float64, grads [][]float64) (Loss, error) {
	if err := p.Validate(); err != nil {
		return Loss{}, err
	}
	b := len(logits)
	if b == 0 {
		return Loss{}, fmt.Errorf("distill: empty batch")
	}
	if len(teacher) != b || len(targets) != b {
		return Loss{}, fmt.Errorf("distill: batch size mismatch: logits=%d teacher=%d targets=%d", b, len(teacher), len(targets))
	}
	n := len(logits[0])
	if n == 0 {
		return Loss{}, fmt.Errorf("distill: zero-width logits")
	}

	invT := 1 / p.Temperature
	floor := p.floor()
	tt := p.Temperature * p.Temperature

	soft := make([]float64, n)
	logp := make([]float64, n)

	klSum := 0.0
	ceSum := 0.0
	elems := float64(b * n)

	for bi := 0; bi < b; bi++ {
		z, tp, y := logits[bi], teacher[bi], targets[bi]
		if len(z) != n || len(tp) != n || len(y) != n {
			return Loss{}, fmt.Errorf("distill: row %d width mismatch: logits=%d teacher=%d targets=%d (want %d)", bi, len(z), len(tp), len(y), n)
		}

		teacherSoftInto(soft, tp, invT, floor)
		logSoftmaxInto(logp, z, invT)

		// Mass of the softened distribution: 1 normally, 0 for an
		// all-zero teacher vector.
		mass := 0.0
		for i, s := range soft {
			mass += s
			if s > 0 {
				klSum += s * (math.Log(s) - logp[i])
			}
		}

		for i, zi := range z {
			ceSum += bceWithLogits(zi, y[i])
			if grads != nil {
				// d(KL·T²)/dz = (T/B)·(softmax(z/T)·mass − soft).
				pi := math.Exp(logp[i])
				dKL := p.Temperature * (pi*mass - soft[i]) / float64(b)
				dCE := (sigmoid(zi) - y[i]) / elems
				grads[bi][i] = p.AlphaKL*dKL + p.AlphaCE*dCE
			}
		}
	}

	kl := tt * klSum / float64(b)
	ce := ceSum / elems
	return Loss{
		KL:    kl,
		CE:    ce,
		Total: p.AlphaKL*kl + p.AlphaCE*ce,
	}, nil
}
