// Command workflowd runs the workflow engine: the state-driven core, its
// Postgres LISTEN/NOTIFY ingress, and the worker pool and reconciler that
// keep tasks flowing end to end.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
