package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andreyvit/nvcfg"
)

var (
	keyBits     int
	keyHybrid   bool
	keyFragment int
)

func init() {
	cmd := newKeyCmd()
	addKeyCodecFlags(cmd)
	rootCmd.AddCommand(cmd)
}

func addKeyCodecFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&keyBits, "bits", 0, "Hash bits to keep (1..64, 0 means 64)")
	cmd.Flags().BoolVar(&keyHybrid, "hybrid", false, "Use the length+fragment+hash key layout")
	cmd.Flags().IntVar(&keyFragment, "fragment", 0, "Trailing path bytes kept by --hybrid (3..7)")
}

func keyCodec() (nvcfg.KeyCodec, error) {
	kc := nvcfg.KeyCodec{HashBits: keyBits, Hybrid: keyHybrid, FragmentLen: keyFragment}
	return kc, kc.Validate()
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <path>...",
		Short: "Derive record keys from configuration paths",
		Long: `The key command prints the 8-byte record key of every given path.

Example:
  nvcfg key wifi/ssid uart/baud
  nvcfg key wifi/ssid --hybrid --fragment 4
  nvcfg key wifi/ssid --bits 32 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKey(args)
		},
	}
}

type keyResult struct {
	Path string `json:"path"`
	Key  string `json:"key"`
}

func runKey(args []string) error {
	kc, err := keyCodec()
	if err != nil {
		return err
	}
	printVerbose("Effective hash bits: %d\n", kc.EffectiveBits())

	results := make([]keyResult, 0, len(args))
	seen := make(map[nvcfg.Key]string, len(args))
	for _, path := range args {
		k := kc.Derive(path)
		if other, dup := seen[k]; dup && other != path {
			return fmt.Errorf("paths %q and %q collide on key %v", other, path, k)
		}
		seen[k] = path
		results = append(results, keyResult{path, k.String()})
	}

	if jsonOut {
		return printJSON(results)
	}
	for _, r := range results {
		printInfo("%s  %s\n", r.Key, r.Path)
	}
	return nil
}
