//go:build linux || darwin

package cmd

import (
	"os"
	"os/signal"
	"syscall"
)

// installSignals wires the POSIX signal table: SIGINT/SIGTERM trigger
// graceful shutdown, SIGHUP triggers reload, SIGTSTP dumps a memory
// report. Handlers only forward to channels; all work happens on the
// main loop.
func installSignals() (sigint, sighup, sigtstp chan os.Signal) {
	sigint = make(chan os.Signal, 1)
	sighup = make(chan os.Signal, 1)
	sigtstp = make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	signal.Notify(sighup, syscall.SIGHUP)
	signal.Notify(sigtstp, syscall.SIGTSTP)
	return
}
