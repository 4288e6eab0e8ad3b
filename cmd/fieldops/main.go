// fieldops is the planner service binary. With no arguments it serves the
// HTTP API; the run subcommand is a single-shot CLI wrapper over that API.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "run":
		return runOnce(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  fieldops [serve]        start the planner HTTP service
  fieldops run --message "..." [--mode plan|enqueue|enqueue_and_wait|answer]
                          submit one request and print the JSON response
`)
}
