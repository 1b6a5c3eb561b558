//go:build !linux && !darwin

package cmd

import (
	"os"
	"os/signal"
)

// installSignals on non-POSIX platforms only has os.Interrupt to work
// with; SIGHUP/SIGTSTP do not exist there.
func installSignals() (sigint, sighup, sigtstp chan os.Signal) {
	sigint = make(chan os.Signal, 1)
	sighup = make(chan os.Signal, 1)
	sigtstp = make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	return
}
