// Command wxbench measures the cost of switching a block of JIT memory between
// writable and executable.
//
// Usage:
//
//	PAGE_MULTIPLE=1 ITERATIONS=100000 wxbench [-v] [-config wxbench.toml]
//
// The environment overrides page_multiple and iterations from the config
// file. Both must be given one way or the other.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/zephyrtronium/wxbench/internal/unsafewx"
)

// Exit statuses.
const (
	exitOK     = 0
	exitConfig = 1
	exitAlloc  = 1
	exitAbort  = 2
)

// alloc obtains the code block.
var alloc = unsafewx.Alloc

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr))
}

func run(args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wxbench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "TOML `file` with page_multiple and iterations")
	verbose := fs.Bool("v", false, "log every memory operation")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
		unsafewx.Verbose = log
		defer func() { unsafewx.Verbose = nil }()
	}

	cfg, err := loadConfig(*cfgPath, lookup)
	if err != nil {
		log.Error(err)
		return exitConfig
	}
	size := cfg.PageMultiple * os.Getpagesize()
	fmt.Fprintf(stdout, "Allocating page size %d\n", size)
	fmt.Fprintf(stdout, "Iterating %d times\n", cfg.Iterations)

	b, err := alloc(size)
	if err != nil {
		log.WithError(err).Error("mmap call failed")
		return exitAlloc
	}
	log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%#x", b.Addr()),
		"size": b.Size(),
	}).Debug("allocated code block")

	start := time.Now()
	if err := toggle(b, cfg.Iterations); err != nil {
		// The block's protection is unknown. Don't touch it again.
		var serr *errors.Error
		if errors.As(err, &serr) {
			fmt.Fprintln(stderr, serr.ErrorStack())
		} else {
			fmt.Fprintln(stderr, err)
		}
		return exitAbort
	}
	elapsed := time.Since(start)
	report(stdout, cfg.Iterations, elapsed)

	if err := b.Close(); err != nil {
		log.WithError(err).Warn("releasing code block")
	}
	return exitOK
}

// toggle runs n writable/executable cycles on b, stopping at the first
// failure. The error carries the stack of the failed protection change.
func toggle(b *unsafewx.Block, n int) error {
	for i := 0; i < n; i++ {
		if err := b.MarkWritable(); err != nil {
			return errors.Wrap(err, 0)
		}
		if err := b.MarkExecutable(); err != nil {
			return errors.Wrap(err, 0)
		}
	}
	return nil
}

func report(w io.Writer, n int, elapsed time.Duration) {
	if n == 0 {
		fmt.Fprintf(w, "No iterations in %v\n", elapsed)
		return
	}
	fmt.Fprintf(w, "Completed %d iterations in %v (%v per iteration)\n", n, elapsed, elapsed/time.Duration(n))
}
