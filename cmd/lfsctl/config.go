package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spritefs/lfscore/pkg/lfs"
)

// bindTunableFlags attaches the cleaner/allocator tunables to f, letting
// a command-line flag override whatever initTunables loaded from the
// config file or its built-in defaults.
func bindTunableFlags(f *pflag.FlagSet) {
	f.Int("gc-threshold", 0, "disk-use percent that triggers a cleaner run")
	f.Int("gc-target-segs", 0, "victim segments selected per cleaner run")
	f.Int("gc-util-threshold", 0, "max utilization percent a victim may have")
	f.Uint32("block-size", 0, "device block size in bytes")
	f.Uint32("seg-size", 0, "blocks per segment, including the trailing summary slot")
	f.Uint32("ninodes", 0, "maximum inode count")

	_ = viper.BindPFlag("gc-threshold", f.Lookup("gc-threshold"))
	_ = viper.BindPFlag("gc-target-segs", f.Lookup("gc-target-segs"))
	_ = viper.BindPFlag("gc-util-threshold", f.Lookup("gc-util-threshold"))
	_ = viper.BindPFlag("block-size", f.Lookup("block-size"))
	_ = viper.BindPFlag("seg-size", f.Lookup("seg-size"))
	_ = viper.BindPFlag("ninodes", f.Lookup("ninodes"))
}

// initTunables loads cfgFile (if given) over the defaults registered in
// cli.go's init(): config file values sit below explicit flags, above
// the built-ins.
func initTunables(cfgFile string) {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		log.Debugf("lfsctl: no config file loaded: %v", err)
		return
	}
	log.Debugf("lfsctl: using config file: %s", viper.ConfigFileUsed())
}

// lfsConfig reads the resolved tunables into a lfs.Config.
func lfsConfig() lfs.Config {
	return lfs.Config{
		GCThreshold:     viper.GetInt("gc-threshold"),
		GCTargetSegs:    viper.GetInt("gc-target-segs"),
		GCUtilThreshold: viper.GetInt("gc-util-threshold"),
	}
}

func blockSize() int  { return viper.GetInt("block-size") }
func segSize() uint32 { return uint32(viper.GetInt("seg-size")) }
func ninodes() uint32 { return uint32(viper.GetInt("ninodes")) }
