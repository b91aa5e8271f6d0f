package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-precision/internal/boundary"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/spf13/cobra"
)

var (
	qTechnique  string
	qBits       string
	qBatches    int
	qBatchSize  int
	qBlockSize  int
	qMode       string
	qRank       int
	qCheckpoint string
	qQAT        bool
	qLR         float64
	qSeed       int64
)

var quantizeCmd = &cobra.Command{
	Use:   "quantize",
	Short: "Quantize random weights through the batch entry point and report the error",
	RunE:  runQuantize,
}

func init() {
	f := quantizeCmd.Flags()
	f.StringVar(&qTechnique, "technique", "gptq", "gptq, awq, qlora or qat")
	f.StringVar(&qBits, "bits", "8", "Bit depth: 4 or 8")
	f.IntVar(&qBatches, "batches", 4, "Number of batches")
	f.IntVar(&qBatchSize, "batch-size", 4096, "Values per batch (reshaped to floor(sqrt(n)) rows)")
	f.IntVar(&qBlockSize, "block-size", 0, "Rows per quantization block (0 uses the default)")
	f.StringVar(&qMode, "mode", boundary.ModeSymmetric, "symmetric or asymmetric (defaults to quant.symmetric from the config)")
	f.IntVar(&qRank, "rank", 0, "Adapter rank (qlora, qat)")
	f.StringVar(&qCheckpoint, "checkpoint", "", "Adapter .safetensors checkpoint (qlora, qat)")
	f.BoolVar(&qQAT, "qat", false, "Take a training step on the adapter (qlora)")
	f.Float64Var(&qLR, "lr", 0, "QAT learning rate (0 uses the default)")
	f.Int64Var(&qSeed, "seed", 1, "Random seed for the weights")
}

func runQuantize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bits, err := precision.ParseBitDepth(qBits)
	if err != nil {
		return err
	}
	blockSize := qBlockSize
	if !cmd.Flags().Changed("block-size") && cfg.Quant.BlockSize > 0 {
		// the config default only applies when it fits the batch shape
		if rows := int(math.Sqrt(float64(qBatchSize))); cfg.Quant.BlockSize <= rows {
			blockSize = cfg.Quant.BlockSize
		}
	}
	mode := qMode
	if !cmd.Flags().Changed("mode") && !cfg.Quant.Symmetric {
		mode = boundary.ModeAsymmetric
	}
	lr := qLR
	if lr == 0 {
		lr = cfg.Quant.LearningRate
	}

	rng := rand.New(rand.NewSource(qSeed))
	weights := make([]float32, qBatches*qBatchSize)
	for i := range weights {
		weights[i] = float32(rng.NormFloat64())
	}

	out, err := boundary.NewQuantizer().QuantizeBatch(cmd.Context(), boundary.Request{
		Weights:    weights,
		BatchCount: qBatches,
		BitDepth:   bits,
		Technique:  qTechnique,
		BlockSize:  blockSize,
		Mode:       mode,
		Adapter: boundary.AdapterParams{
			Rank:         qRank,
			Checkpoint:   qCheckpoint,
			QAT:          qQAT,
			LearningRate: lr,
		},
	})
	if err != nil {
		return err
	}

	var maxErr, sumErr float64
	for i := range weights {
		d := math.Abs(float64(out[i]) - float64(weights[i]))
		maxErr = math.Max(maxErr, d)
		sumErr += d
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "technique:  %s\n", qTechnique)
	fmt.Fprintf(w, "bits:       %s\n", bits)
	fmt.Fprintf(w, "mode:       %s\n", mode)
	fmt.Fprintf(w, "values:     %d\n", len(weights))
	fmt.Fprintf(w, "max error:  %.6f\n", maxErr)
	fmt.Fprintf(w, "mean error: %.6f\n", sumErr/float64(len(weights)))
	return nil
}
