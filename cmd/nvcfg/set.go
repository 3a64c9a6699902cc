package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andreyvit/nvcfg"
)

var (
	setHex    bool
	setRawKey bool
)

func init() {
	cmd := newSetCmd()
	addStoreFlags(cmd)
	addKeyCodecFlags(cmd)
	cmd.Flags().BoolVar(&setHex, "hex", false, "Value is hex-encoded bytes")
	cmd.Flags().BoolVar(&setRawKey, "raw-key", false, "Treat the path argument as a 16-digit hex key")
	rootCmd.AddCommand(cmd)
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <store> <path> <value>",
		Short: "Write a raw record",
		Long: `The set command writes one record in its own transaction. The value is
stored as given, so it must already be in the format the cell's codec
expects.

Example:
  nvcfg set config.bolt wifi/ssid a4686f6d65 --hex
  nvcfg set /data/nvcfg 0123456789abcdef 00 --hex --raw-key --format log`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd.Context(), args)
		},
	}
}

func runSet(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	storePath, path, valueStr := args[0], args[1], args[2]

	var key nvcfg.Key
	if setRawKey {
		k, err := nvcfg.ParseKey(path)
		if err != nil {
			return err
		}
		key = k
	} else {
		kc, err := keyCodec()
		if err != nil {
			return err
		}
		key = kc.Derive(path)
	}

	value := []byte(valueStr)
	if setHex {
		v, err := hex.DecodeString(valueStr)
		if err != nil {
			return fmt.Errorf("failed to parse value: %w", err)
		}
		value = v
	}

	b, err := openStore(storePath)
	if err != nil {
		return err
	}
	defer b.Close()

	tx, err := b.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.Put(key, value); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	if jsonOut {
		return printJSON(map[string]any{
			"key":     key.String(),
			"size":    len(value),
			"success": true,
		})
	}
	printInfo("Wrote %d bytes to %s\n", len(value), key)
	return nil
}
