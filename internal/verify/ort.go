package verify

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// ORTLibraryEnv is the environment variable with the path to the ONNX Runtime dynamic library.
const ORTLibraryEnv = "ORT_SO_PATH"

var (
	// initORT initializes the ONNX Runtime environment once. The environment is never destroyed.
	initORT = sync.OnceValue(func() error {
		ortPath := os.Getenv(ORTLibraryEnv)
		if ortPath == "" {
			return errors.Errorf("please set environment %s with the path to your ONNX Runtime dynamic linked library",
				ORTLibraryEnv)
		}
		ortIsCUDA = strings.Contains(ortPath, "gpu")
		ort.SetSharedLibraryPath(ortPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrapf(err, "failed to initialize ONNX Runtime from %q", ortPath)
		}
		klog.V(1).Infof("ONNX Runtime initialized from %q (CUDA=%v)", ortPath, ortIsCUDA)
		return nil
	})
	ortIsCUDA bool
)

// ORTAvailable returns whether ONNX Runtime can be used: it initializes it on first call.
func ORTAvailable() bool {
	return initORT() == nil
}

// ORTIsCUDA returns whether the ONNX Runtime library is a GPU build. Only valid after ORTAvailable returned true.
func ORTIsCUDA() bool { return ortIsCUDA }

// ReferenceRunner executes the original ONNX model with ONNX Runtime. It implements Reference.
//
// Only float32 and int64 inputs and outputs are supported.
type ReferenceRunner struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
}

var _ Reference = (*ReferenceRunner)(nil)

// NewReferenceRunner creates an ONNX Runtime session for source. If modelPath is not empty, the session loads
// the model from the file (so external data is resolved by ONNX Runtime), otherwise from source.Marshal().
func NewReferenceRunner(source *onnx.Model, modelPath string) (*ReferenceRunner, error) {
	if err := initORT(); err != nil {
		return nil, err
	}
	r := &ReferenceRunner{
		inputNames:  source.InputsNames(),
		outputNames: source.OutputsNames(),
	}
	var options *ort.SessionOptions
	if ortIsCUDA {
		var err error
		options, err = ort.NewSessionOptions()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create ONNX Runtime session options")
		}
		defer func() { _ = options.Destroy() }()
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create ONNX Runtime CUDA options")
		}
		defer func() { _ = cudaOptions.Destroy() }()
		if err = options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, errors.Wrap(err, "failed to configure ONNX Runtime for CUDA")
		}
	}
	var err error
	if modelPath != "" {
		r.session, err = ort.NewDynamicAdvancedSession(modelPath, r.inputNames, r.outputNames, options)
	} else {
		r.session, err = ort.NewDynamicAdvancedSessionWithONNXData(source.Marshal(), r.inputNames, r.outputNames, options)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX Runtime session")
	}
	return r, nil
}

// Run executes the model on the channels-first inputs.
func (r *ReferenceRunner) Run(inputs []*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if len(inputs) != len(r.inputNames) {
		return nil, errors.Errorf("model takes %d inputs %q, got %d", len(r.inputNames), r.inputNames, len(inputs))
	}
	ortInputs := make([]ort.Value, len(inputs))
	defer func() { destroyValues(ortInputs) }()
	for ii, input := range inputs {
		ortInputs[ii], err = toORT(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %q", r.inputNames[ii])
		}
	}

	// Outputs are allocated by ONNX Runtime.
	ortOutputs := make([]ort.Value, len(r.outputNames))
	defer func() { destroyValues(ortOutputs) }()
	if err = r.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, errors.Wrap(err, "ONNX Runtime execution failed")
	}
	outputs = make([]*tensors.Tensor, len(ortOutputs))
	for ii, value := range ortOutputs {
		outputs[ii], err = fromORT(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "output %q", r.outputNames[ii])
		}
	}
	return outputs, nil
}

// Close releases the ONNX Runtime session.
func (r *ReferenceRunner) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	return err
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}

func toORT(t *tensors.Tensor) (ort.Value, error) {
	shape := ort.NewShape(sliceMap(t.Shape().Dimensions, func(dim int) int64 { return int64(dim) })...)
	var (
		value ort.Value
		err   error
	)
	switch t.DType() {
	case dtypes.Float32:
		value, err = ort.NewTensor(shape, copyFlat[float32](t))
	case dtypes.Int64:
		value, err = ort.NewTensor(shape, copyFlat[int64](t))
	default:
		return nil, errors.Errorf("dtype %s not supported by the reference runner", t.DType())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX Runtime tensor")
	}
	return value, nil
}

func copyFlat[T float32 | int64](t *tensors.Tensor) (flat []T) {
	tensors.ConstFlatData(t, func(data []T) { flat = slices.Clone(data) })
	return
}

func fromORT(value ort.Value) (*tensors.Tensor, error) {
	switch v := value.(type) {
	case *ort.Tensor[float32]:
		return tensors.FromFlatDataAndDimensions(slices.Clone(v.GetData()), ortDims(v.GetShape())...), nil
	case *ort.Tensor[int64]:
		return tensors.FromFlatDataAndDimensions(slices.Clone(v.GetData()), ortDims(v.GetShape())...), nil
	default:
		return nil, errors.Errorf("ONNX Runtime output of type %T not supported by the reference runner", value)
	}
}

func ortDims(shape ort.Shape) []int {
	return sliceMap(shape, func(dim int64) int { return int(dim) })
}
