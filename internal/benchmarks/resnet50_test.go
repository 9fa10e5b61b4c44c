package benchmarks

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-nhwc/internal/verify"
	"github.com/gomlx/onnx-nhwc/nhwc"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	resNet50RepoID        = "Xenova/resnet-50"
	resNet50ModelFileName = "onnx/model.onnx"
	resNet50InputName     = "pixel_values"
	resNet50OutputName    = "logits"
	resNet50ImageSize     = 224
	resNet50NumClasses    = 1000
	resNet50BatchSizes    = []int{1, 16, 32, 64}
)

func TestBenchResNet50(t *testing.T) {
	skipUnlessBenchmarking(t)
	t.Run("NHWC-GoMLX", benchGoMLXResNet50)
	t.Run("ONNX-ORT", benchORTResNet50)
}

// readResNet50 downloads and parses the model. The spatial dimensions of the input are fixed to
// resNet50ImageSize if the model leaves them unknown.
func readResNet50() (source *onnx.Model, onnxModelPath string) {
	onnxModelPath = downloadModel(resNet50RepoID, resNet50ModelFileName)
	source = must.M1(onnx.ReadFile(onnxModelPath))
	for _, input := range source.Graph.Inputs {
		if input.Name != resNet50InputName || len(input.Dims) != 4 {
			continue
		}
		for axis := 2; axis < 4; axis++ {
			if !input.Dims[axis].IsKnown() {
				input.Dims[axis] = onnx.Dim{Value: int64(resNet50ImageSize)}
			}
		}
	}
	return source, onnxModelPath
}

func convertResNet50(t *testing.T, source *onnx.Model) *nhwc.Model {
	model, err := nhwc.NewConverter(source).DecomposeGroupedConvolutions(*flagDecompose).Convert(graphtest.BuildTestBackend())
	require.NoError(t, err)
	if *flagVerbose {
		fmt.Printf("Model details:\n%s\n%s\n", source, model)
		for _, d := range model.Diagnostics() {
			fmt.Printf("\t%s\n", d)
		}
	}
	fmt.Printf("Translation: %d transpositions inserted, %d diagnostics\n", model.TransposeCount(), len(model.Diagnostics()))
	return model
}

func benchGoMLXResNet50(t *testing.T) {
	source, _ := readResNet50()
	model := convertResNet50(t, source)
	backend := graphtest.BuildTestBackend()
	ctx := model.Context().Reuse()
	for batchIdx, batchSize := range resNet50BatchSizes {
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
			outputs := model.BuildGraph(ctx, images)
			if *flagPrintXLAGraph {
				fmt.Printf("Graph:\n%s\n", images.Graph())
			}
			return outputs[0]
		})

		// Random channels-last images.
		r := rand.New(rand.NewPCG(42, 0))
		inputImages := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, resNet50ImageSize, resNet50ImageSize, 3))
		tensors.MutableFlatData[float32](inputImages, func(flat []float32) {
			for i := range flat {
				flat[i] = r.Float32()
			}
		})

		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/batchSize=%02d", t.Name(), batchSize),
			Func: func() {
				output := exec.MustExec1(inputImages)
				// Force transfer to local memory: this should be part of the cost.
				tensors.ConstFlatData(output, func(flat []float32) {
					_ = flat[0]
				})
				output.FinalizeAll()
			},
		}

		runtime.LockOSThread()
		benchmarks.New(benchFn).
			WithWarmUps(32).
			WithDuration(*flagBenchDuration).
			WithHeader(batchIdx == 0).
			Done()
		runtime.UnlockOSThread()
		exec.Finalize()
	}
}

func benchORTResNet50(t *testing.T) {
	options := ortSessionOptions(t)
	_, onnxModelPath := readResNet50()
	session := must.M1(ort.NewDynamicAdvancedSession(
		onnxModelPath,
		[]string{resNet50InputName}, []string{resNet50OutputName},
		options))
	defer func() {
		err := session.Destroy()
		if err != nil {
			fmt.Printf("Error destroying session: %v\n", err)
		}
	}()

	for batchIdx, batchSize := range resNet50BatchSizes {
		// Random channels-first images.
		inputShape := ort.NewShape(sliceMap([]int{batchSize, 3, resNet50ImageSize, resNet50ImageSize},
			func(dim int) int64 { return int64(dim) })...)
		images := must.M1(ort.NewEmptyTensor[float32](inputShape))
		r := rand.New(rand.NewPCG(42, 0))
		{
			flat := images.GetData()
			for i := range flat {
				flat[i] = r.Float32()
			}
		}
		outputTensor := must.M1(ort.NewEmptyTensor[float32](ort.NewShape(int64(batchSize), int64(resNet50NumClasses))))

		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/batchSize=%02d", t.Name(), batchSize),
			Func: func() {
				must.M(session.Run(
					[]ort.Value{images},
					[]ort.Value{outputTensor},
				))
				{
					// Force transfer to local memory: this should be part of the cost.
					flat := outputTensor.GetData()
					_ = flat[0]
				}
			},
		}
		runtime.LockOSThread()
		benchmarks.New(benchFn).
			WithWarmUps(32).
			WithDuration(*flagBenchDuration).
			WithHeader(batchIdx == 0).
			Done()
		runtime.UnlockOSThread()
		must.M(images.Destroy())
		must.M(outputTensor.Destroy())
	}
}

// TestVerifyResNet50 compares the translated model with ONNX Runtime on random images.
func TestVerifyResNet50(t *testing.T) {
	skipUnlessBenchmarking(t)
	_ = ortSessionOptions(t)
	source, onnxModelPath := readResNet50()
	model := convertResNet50(t, source)
	runner, err := verify.NewReferenceRunner(source, onnxModelPath)
	require.NoError(t, err)
	defer func() { _ = runner.Close() }()
	report, err := verify.Run(model, runner, verify.DefaultDecimals, 42)
	require.NoError(t, err)
	fmt.Println(report)
	require.True(t, report.OK())
}
