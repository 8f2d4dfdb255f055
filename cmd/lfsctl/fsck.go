package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spritefs/lfscore/pkg/lfs"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
	"github.com/spritefs/lfscore/pkg/lfs/fsck"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <image>",
	Short: "Re-derive segment liveness from the imap and inode block pointers and compare it against the SUT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		ctx := context.Background()

		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("lfsctl: %w", err)
		}
		nblocks := uint32(fi.Size()) / uint32(blockSize())
		dev, err := bufcache.OpenFileDevice(path, blockSize(), nblocks)
		if err != nil {
			return fmt.Errorf("lfsctl: %w", err)
		}

		fsHandle, err := lfs.Mount(log, dev, lfsConfig(), ringDirFor(path))
		if err != nil {
			return fmt.Errorf("lfsctl: mount: %w", err)
		}
		defer fsHandle.Close()

		report, err := fsck.Check(ctx, fsHandle)
		if err != nil {
			return fmt.Errorf("lfsctl: fsck: %w", err)
		}

		for _, s := range report.Segments {
			switch {
			case s.Free:
				log.Printf("segment %d: free", s.Segment)
			case s.Mismatch:
				log.Warnf("segment %d: MISMATCH recorded=%d derived=%d", s.Segment, s.Recorded, s.Derived)
			default:
				log.Printf("segment %d: ok (live=%d)", s.Segment, s.Recorded)
			}
		}

		if !report.Clean() {
			return fmt.Errorf("lfsctl: fsck found %d mismatched segment(s)", mismatchCount(report))
		}
		log.Printf("fsck: %s is consistent", path)
		return nil
	},
}

func mismatchCount(r fsck.Report) int {
	n := 0
	for _, s := range r.Segments {
		if s.Mismatch {
			n++
		}
	}
	return n
}
