package main

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := newCompactCmd()
	cmd.Flags().StringVar(&storeFileName, "file-name", "nvcfg-*.log", "Segment file name pattern of a log store")
	rootCmd.AddCommand(cmd)
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <dir>",
		Short: "Compact a log store",
		Long: `The compact command copies all live records of a log store into a new
snapshot segment and removes the older segments.

Example:
  nvcfg compact /data/nvcfg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(args)
		},
	}
}

type compactResult struct {
	Records        int   `json:"records"`
	SegmentsBefore int   `json:"segments_before"`
	SegmentsAfter  int   `json:"segments_after"`
	SizeAfter      int64 `json:"size_after"`
}

func runCompact(args []string) error {
	s, err := openLogStore(args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	before := s.Stats()
	if err := s.Compact(); err != nil {
		return err
	}
	after := s.Stats()

	r := compactResult{
		Records:        s.Len(),
		SegmentsBefore: before.Segments,
		SegmentsAfter:  after.Segments,
		SizeAfter:      after.FileSize,
	}
	if jsonOut {
		return printJSON(r)
	}
	printInfo("Compacted %d records: %d segments -> %d, %d bytes\n", r.Records, r.SegmentsBefore, r.SegmentsAfter, r.SizeAfter)
	return nil
}
