package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
	"github.com/spritefs/lfscore/pkg/lfs/mkfs"
)

var flagBlocks uint32

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image>",
	Short: "Format a fresh LFS image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		dev, err := bufcache.CreateFileDevice(path, blockSize(), flagBlocks)
		if err != nil {
			return fmt.Errorf("lfsctl: create image: %w", err)
		}
		defer dev.Close()

		fs, err := mkfs.Build(log, dev, lfsConfig(), ringDirFor(path), mkfs.Options{
			SegSize: segSize(),
			NInodes: ninodes(),
		})
		if err != nil {
			return fmt.Errorf("lfsctl: format: %w", err)
		}
		defer fs.Close()

		log.Printf("formatted %s: %d segments of %d blocks, %d inodes", path, fs.Superblock().NSegs, fs.Superblock().SegSize, fs.Superblock().NInodes)
		return nil
	},
}

func init() {
	mkfsCmd.Flags().Uint32Var(&flagBlocks, "blocks", 8*64+3, "total device size in blocks")
}

// ringDirFor derives the free-segment ring's scratch directory from an
// image path, so mkfs/demo/fsck all agree on where a given image's
// runtime-only ring state lives.
func ringDirFor(path string) string {
	return path + ".ring"
}
