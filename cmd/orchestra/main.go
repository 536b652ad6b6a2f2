// Command orchestra validates graph definitions, registers their version
// snapshots with a store, checks function contracts against the committed
// manifest and replays dead-lettered tasks.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra already printed the error.
		os.Exit(1)
	}
}
