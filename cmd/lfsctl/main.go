// Command lfsctl is a small CLI around the LFS core: it can format a
// fresh image, run a demo workload against one, dump segment summaries,
// and fsck an existing image.
package main

import "os"

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
