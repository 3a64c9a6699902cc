package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andreyvit/nvcfg"
)

var probBits []int

func init() {
	cmd := newProbCmd()
	cmd.Flags().IntSliceVar(&probBits, "bits", []int{16, 24, 32, 48, 64}, "Key widths to evaluate")
	rootCmd.AddCommand(cmd)
}

func newProbCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prob <cells>",
		Short: "Estimate the key collision probability",
		Long: `The prob command prints the chance that the given number of distinct
paths produce at least one duplicate key, for several key widths.

Example:
  nvcfg prob 256
  nvcfg prob 300 --bits 16,20,24`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProb(args)
		},
	}
}

type probResult struct {
	Bits        int     `json:"bits"`
	Probability float64 `json:"probability"`
}

func runProb(args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid cell count %q", args[0])
	}

	results := make([]probResult, 0, len(probBits))
	for _, bits := range probBits {
		if bits < 1 || bits > 64 {
			return fmt.Errorf("invalid key width %d, must be 1..64", bits)
		}
		results = append(results, probResult{bits, nvcfg.CollisionProbability(n, bits)})
	}

	if jsonOut {
		return printJSON(results)
	}
	printInfo("%d cells\n", n)
	for _, r := range results {
		printInfo("  %2d bits  %.4g\n", r.Bits, r.Probability)
	}
	return nil
}
