// Package benchmarks compares the execution of CNNs translated to channels-last with the execution of the
// original models with ONNX Runtime.
//
// Benchmarks are disabled by default: set --bench_duration (e.g. 10s) to enable them, and ORT_SO_PATH with the
// path to the ONNX Runtime dynamic library for the ONNX Runtime runs.
package benchmarks

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/onnx-nhwc/internal/verify"
	"github.com/janpfeifer/must"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	// HuggingFace authentication token read from the environment.
	// Some files may require it for downloading.
	hfAuthToken = os.Getenv("HF_TOKEN")

	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagPrintXLAGraph = flag.Bool("xla_graph", false, "Prints XLA graph")
	flagVerbose       = flag.Bool("verbose", false, "Prints model details and the translation diagnostics")
	flagDecompose     = flag.Bool("decompose_groups", false, "Translate grouped convolutions as one convolution per group")
)

// skipUnlessBenchmarking skips benchmark tests if --short is set or --bench_duration is not.
func skipUnlessBenchmarking(t *testing.T) {
	if testing.Short() {
		fmt.Printf("Skipping %s: --short is set\n", t.Name())
		t.SkipNow()
	}
	if *flagBenchDuration == 0 {
		fmt.Printf("Skipping %s: --bench_duration is not set\n", t.Name())
		t.SkipNow()
	}
}

// downloadModel downloads fileName from the HuggingFace repository repoID (or uses the cached copy) and returns
// its local path.
func downloadModel(repoID, fileName string) string {
	fmt.Printf("HuggingFace repository:  %s\n", repoID)
	repo := hub.New(repoID).WithAuth(hfAuthToken)
	fmt.Printf("HuggingFace file:        %s\n", fileName)
	onnxModelPath := must.M1(repo.DownloadFile(fileName))
	fmt.Printf("Locally downloaded file: %s\n", onnxModelPath)

	fileContent := must.M1(os.ReadFile(onnxModelPath))
	hash := sha256.Sum256(fileContent)
	fmt.Printf("File SHA256:             %x\n", hash)
	return onnxModelPath
}

// ortSessionOptions returns the session options for ONNX Runtime: nil, unless it runs with CUDA.
// It skips the test if ONNX Runtime is not available.
func ortSessionOptions(t *testing.T) *ort.SessionOptions {
	if !verify.ORTAvailable() {
		fmt.Printf("Skipping %s: set %s to run with ONNX Runtime\n", t.Name(), verify.ORTLibraryEnv)
		t.SkipNow()
	}
	if !verify.ORTIsCUDA() {
		return nil
	}
	options := must.M1(ort.NewSessionOptions())
	cudaOptions := must.M1(ort.NewCUDAProviderOptions())
	must.M(options.AppendExecutionProviderCUDA(cudaOptions))
	return options
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
