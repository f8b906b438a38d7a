// Command timeshift republishes a live HLS stream at fixed time offsets.
//
// "timeshift run" is the entry point: it supervises a capture worker and a
// publication worker, each a child process running the "capture" and
// "publish" subcommands of this same binary, and serves the output directory
// over HTTP.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
