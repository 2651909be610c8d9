// Package main provides the apiary command line tool: a replayer for
// captured query logs, its offline session coalescer, and a standalone
// worker for distributed runs.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/lexelby/apiary/internal/domain"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Configuration mistakes get a distinct exit code from runtime
		// failures so wrappers can tell them apart.
		if errors.Is(err, domain.ErrBadConfig) || errors.Is(err, domain.ErrUnknownProtocol) {
			fmt.Fprintln(os.Stderr, "apiary:", err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "apiary:", err)
		os.Exit(1)
	}
}
