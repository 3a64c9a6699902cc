package main

import (
	"context"
	"encoding/hex"

	"github.com/spf13/cobra"

	"github.com/andreyvit/nvcfg"
)

var (
	dumpPaths []string
	dumpFull  bool
)

func init() {
	cmd := newDumpCmd()
	addStoreFlags(cmd)
	addKeyCodecFlags(cmd)
	cmd.Flags().StringSliceVar(&dumpPaths, "path", nil, "Label records whose key matches these paths")
	cmd.Flags().BoolVar(&dumpFull, "full", false, "Print complete values instead of a prefix")
	rootCmd.AddCommand(cmd)
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&storeFormat, "format", formatAuto, "Store format (auto, bolt, log)")
	cmd.Flags().StringVar(&storeFileName, "file-name", "nvcfg-*.log", "Segment file name pattern of a log store")
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <store>",
		Short: "List all records of a store",
		Long: `The dump command lists every record of a Bolt file or a log store
directory in key order. Keys are opaque, so pass the configuration paths
you know about with --path to label their records.

Example:
  nvcfg dump config.bolt
  nvcfg dump /data/nvcfg --path wifi/ssid --path uart/baud
  nvcfg dump config.bolt --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd.Context(), args)
		},
	}
}

type dumpRecord struct {
	Key   string `json:"key"`
	Path  string `json:"path,omitempty"`
	Size  int    `json:"size"`
	Value string `json:"value"`
}

const dumpPrefixLen = 32

func runDump(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	kc, err := keyCodec()
	if err != nil {
		return err
	}
	labels := make(map[nvcfg.Key]string, len(dumpPaths))
	for _, p := range dumpPaths {
		labels[kc.Derive(p)] = p
	}

	b, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	cur, err := b.Iterate(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()

	var records []dumpRecord
	for cur.Next() {
		v := cur.Value()
		shown := v
		if !dumpFull && len(shown) > dumpPrefixLen {
			shown = shown[:dumpPrefixLen]
		}
		records = append(records, dumpRecord{
			Key:   cur.Key().String(),
			Path:  labels[cur.Key()],
			Size:  len(v),
			Value: hex.EncodeToString(shown),
		})
	}
	if err := cur.Err(); err != nil {
		return err
	}

	if jsonOut {
		if records == nil {
			records = []dumpRecord{}
		}
		return printJSON(records)
	}
	for _, r := range records {
		printInfo("%s  %5d  %s", r.Key, r.Size, r.Value)
		if !dumpFull && r.Size > dumpPrefixLen {
			printInfo("...")
		}
		if r.Path != "" {
			printInfo("  %s", r.Path)
		}
		printInfo("\n")
	}
	printVerbose("%d records\n", len(records))
	return nil
}
