// onnx2nhwc translates an ONNX image model to a channels-last GoMLX model, prints a summary of the translation
// and, optionally, verifies it against ONNX Runtime.
//
// Usage:
//
//	onnx2nhwc [flags] model.onnx
//
// Verification requires the environment variable ORT_SO_PATH with the path to the ONNX Runtime dynamic library.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/onnx-nhwc/internal/verify"
	"github.com/gomlx/onnx-nhwc/nhwc"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagVerify     = flag.Bool("verify", false, "Compare the translated model with ONNX Runtime on random inputs")
	flagDecompose  = flag.Bool("decompose_groups", false, "Translate grouped convolutions as one convolution per group, concatenated")
	flagDecimals   = flag.Int("decimals", verify.DefaultDecimals, "Number of decimals compared by --verify")
	flagSeed       = flag.Uint64("seed", 42, "Seed of the random inputs used by --verify")
	flagBatch      = flag.Int("batch", nhwc.DefaultBatchSize, "Batch size used for inputs with an unknown batch dimension")
	flagPrintModel = flag.Bool("print_model", false, "Print the details of the ONNX model")
	flagListOps    = flag.Bool("list_ops", false, "List the supported operators and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] model.onnx\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if err := run(); err != nil {
		klog.Exitf("%+v", err)
	}
}

func run() error {
	if *flagListOps {
		fmt.Println(strings.Join(nhwc.SupportedOperators(), "\n"))
		return nil
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("exactly one ONNX model file must be given")
	}
	modelPath := flag.Arg(0)

	source, err := onnx.ReadFile(modelPath)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()
	if *flagPrintModel {
		fmt.Println(source)
	}

	backend, err := backends.New()
	if err != nil {
		return errors.WithMessage(err, "failed to create GoMLX backend")
	}
	defer backend.Finalize()
	klog.V(1).Infof("backend: %s", backend.Name())

	model, err := nhwc.NewConverter(source).
		DecomposeGroupedConvolutions(*flagDecompose).
		WithBatchSize(*flagBatch).
		Convert(backend)
	if err != nil {
		return errors.WithMessagef(err, "failed to translate %s", modelPath)
	}
	fmt.Println(model)
	for _, d := range model.Diagnostics() {
		fmt.Printf("\t%s\n", d)
	}

	if !*flagVerify {
		return nil
	}
	runner, err := verify.NewReferenceRunner(source, modelPath)
	if err != nil {
		return err
	}
	defer func() { _ = runner.Close() }()
	report, err := verify.Run(model, runner, *flagDecimals, *flagSeed)
	if err != nil {
		return errors.WithMessage(err, "verification failed")
	}
	fmt.Println(report)
	if !report.OK() {
		klog.Warningf("translated model differs from ONNX Runtime at %d decimals", *flagDecimals)
	}
	return nil
}
