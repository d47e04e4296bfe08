// Command appfsd mounts a remote software distribution as a FUSE filesystem.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "appfsd:", err)
		os.Exit(1)
	}
}
