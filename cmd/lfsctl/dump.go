package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spritefs/lfscore/pkg/lfs"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
)

// dumpCmd walks every segment of an image and prints the summary blocks
// it finds - which blocks each segment claims to hold, for which inodes,
// at which versions. Read-only; useful when a cleaner or checkpoint bug
// needs eyes on the raw log.
var dumpCmd = &cobra.Command{
	Use:   "dump <image>",
	Short: "Print every segment's summary entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("lfsctl: %w", err)
		}
		nblocks := uint32(fi.Size()) / uint32(blockSize())
		dev, err := bufcache.OpenFileDevice(path, blockSize(), nblocks)
		if err != nil {
			return fmt.Errorf("lfsctl: %w", err)
		}
		defer dev.Close()

		fsHandle, err := lfs.Mount(log, dev, lfsConfig(), ringDirFor(path))
		if err != nil {
			return fmt.Errorf("lfsctl: mount: %w", err)
		}
		defer fsHandle.Close()

		sb := fsHandle.Superblock()
		cache := fsHandle.Device()
		for seg := uint32(0); seg < sb.NSegs; seg++ {
			start := sb.SegmentStart(seg)
			printed := false
			for i := uint32(0); i < sb.SegSize; i++ {
				buf, err := cache.Bread(start + i)
				if err != nil {
					return fmt.Errorf("lfsctl: block %d: %w", start+i, err)
				}
				entries, ok, err := lfs.DecodeSSBBlock(buf.Data)
				cache.Brelse(buf)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if !printed {
					log.Printf("segment %d:", seg)
					printed = true
				}
				log.Printf("  summary at block %d (%d entries)", start+i, len(entries))
				for _, e := range entries {
					log.Printf("    %-8s inum=%d offset=%d version=%d", e.Kind, e.Inum, e.Offset, e.Version)
				}
			}
			if !printed {
				log.Debugf("segment %d: no summary blocks", seg)
			}
		}
		return nil
	},
}
