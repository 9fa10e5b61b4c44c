// Package verify checks a translated channels-last model against a reference execution of the original
// ONNX model.
//
// Both are executed on the same random inputs (channels-last for the translated model, channels-first for the
// reference), the 4D outputs of the translated model are transposed back to channels-first, and the outputs are
// compared to a number of decimals. Mismatches are reported, they are not errors.
package verify

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/nhwc"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultImageDims are the channels-last dimensions used for image inputs of unknown dimensions.
var DefaultImageDims = []int{1, 224, 224, 3}

// DefaultDecimals is the default number of decimals compared.
const DefaultDecimals = 3

// MaxReportedMismatches is the number of mismatching values kept in each OutputReport.
const MaxReportedMismatches = 10

// Reference executes the original model on channels-first inputs, given in the order of the model inputs.
type Reference interface {
	Run(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// Mismatch is a value of an output that differs from the reference.
type Mismatch struct {
	FlatIndex int
	Want, Got float32
}

// OutputReport is the comparison of one output.
type OutputReport struct {
	Name       string
	Size       int
	Mismatches int
	MaxAbsDiff float32

	// First mismatches, up to MaxReportedMismatches.
	First []Mismatch
}

// Report of a verification.
type Report struct {
	Decimals int
	Outputs  []OutputReport
}

// OK returns whether all outputs matched.
func (r *Report) OK() bool {
	for _, output := range r.Outputs {
		if output.Mismatches > 0 {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	var sb strings.Builder
	for ii, output := range r.Outputs {
		if ii > 0 {
			sb.WriteString("\n")
		}
		status := "ok"
		if output.Mismatches > 0 {
			status = "MISMATCH"
		}
		_, _ = fmt.Fprintf(&sb, "output %q: %s (%d of %d values differ at %d decimals, max abs diff %g)",
			output.Name, status, output.Mismatches, output.Size, r.Decimals, output.MaxAbsDiff)
		for _, m := range output.First {
			_, _ = fmt.Fprintf(&sb, "\n\t[%d] want %g, got %g", m.FlatIndex, m.Want, m.Got)
		}
	}
	return sb.String()
}

// Tolerance returns the absolute difference tolerated when comparing to the given number of decimals.
func Tolerance(decimals int) float32 {
	return 1.5 * math32.Pow(10, -float32(decimals))
}

// RandomInputs returns channels-last inputs for the model, with values uniformly sampled in [0, 1).
// An unknown batch dimension takes the batch size of DefaultImageDims.
func RandomInputs(model *nhwc.Model, seed uint64) []*tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	inputShapes := model.InputShapes(DefaultImageDims[0])
	inputs := make([]*tensors.Tensor, len(inputShapes))
	for ii, shape := range inputShapes {
		values := make([]float64, shape.Size())
		for jj := range values {
			values[jj] = rng.Float64()
		}
		inputs[ii] = hostops.FromFloat64s(shape.DType, values, shape.Dimensions...)
	}
	return inputs
}

// ToChannelsFirst transposes a 4D channels-last tensor to channels-first. Other tensors are returned as is.
func ToChannelsFirst(t *tensors.Tensor) *tensors.Tensor {
	if t.Shape().Rank() != 4 {
		return t
	}
	return hostops.Transpose(t, layout.ToGeneric...)
}

// OutputsToChannelsFirst transposes the 4D outputs of the model that are channels-last back to the
// original channels-first layout.
func OutputsToChannelsFirst(model *nhwc.Model, outputs []*tensors.Tensor) []*tensors.Tensor {
	outputLayouts := model.OutputLayouts()
	converted := make([]*tensors.Tensor, len(outputs))
	for ii, output := range outputs {
		if ii < len(outputLayouts) && outputLayouts[ii] == layout.Interleaved {
			output = ToChannelsFirst(output)
		}
		converted[ii] = output
	}
	return converted
}

// Compare compares got to want, to the given number of decimals: values a and b match if |a-b| < 1.5*10^-decimals.
// NaNs match NaNs. It returns an error only if the shapes differ.
func Compare(name string, want, got *tensors.Tensor, decimals int) (OutputReport, error) {
	report := OutputReport{Name: name, Size: want.Shape().Size()}
	if !want.Shape().Equal(got.Shape()) {
		return report, errors.Errorf("output %q: reference shape is %s, translated model shape is %s",
			name, want.Shape(), got.Shape())
	}
	tolerance := Tolerance(decimals)
	wantValues := hostops.ToFloat64s(want)
	gotValues := hostops.ToFloat64s(got)
	for ii, wantValue := range wantValues {
		w, g := float32(wantValue), float32(gotValues[ii])
		if math32.IsNaN(w) && math32.IsNaN(g) {
			continue
		}
		diff := math32.Abs(w - g)
		if math32.IsNaN(diff) {
			diff = math32.Inf(1)
		}
		report.MaxAbsDiff = max(report.MaxAbsDiff, diff)
		if diff < tolerance {
			continue
		}
		report.Mismatches++
		if len(report.First) < MaxReportedMismatches {
			report.First = append(report.First, Mismatch{FlatIndex: ii, Want: w, Got: g})
		}
	}
	return report, nil
}

// Run executes model and reference on the same random inputs and compares their outputs.
//
// Mismatches are logged and reported, while errors are only returned if either execution fails or the outputs
// don't have the same shapes.
func Run(model *nhwc.Model, reference Reference, decimals int, seed uint64) (*Report, error) {
	inputs := RandomInputs(model, seed)
	outputs, err := model.Exec(inputs...)
	if err != nil {
		return nil, err
	}
	outputs = OutputsToChannelsFirst(model, outputs)

	wantOutputs, err := reference.Run(sliceMap(inputs, ToChannelsFirst))
	if err != nil {
		return nil, errors.WithMessage(err, "while executing the reference model")
	}
	if len(wantOutputs) != len(outputs) {
		return nil, errors.Errorf("reference returned %d outputs, translated model returned %d",
			len(wantOutputs), len(outputs))
	}

	report := &Report{Decimals: decimals}
	names := model.OutputNames()
	for ii, want := range wantOutputs {
		outputReport, err := Compare(names[ii], want, outputs[ii], decimals)
		if err != nil {
			return nil, err
		}
		if outputReport.Mismatches > 0 {
			klog.Warningf("output %q: %d of %d values differ at %d decimals (max abs diff %g)",
				outputReport.Name, outputReport.Mismatches, outputReport.Size, decimals, outputReport.MaxAbsDiff)
		} else {
			klog.V(1).Infof("output %q matches to %d decimals", outputReport.Name, decimals)
		}
		report.Outputs = append(report.Outputs, outputReport)
	}
	return report, nil
}

func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
