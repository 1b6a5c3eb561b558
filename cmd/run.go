package cmd

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/briandowns/spinner"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/akitasoftware/pipedge/filter"
	"github.com/akitasoftware/pipedge/listener"
	"github.com/akitasoftware/pipedge/pipeline"
	"github.com/akitasoftware/pipedge/printer"
	"github.com/akitasoftware/pipedge/script"
	"github.com/akitasoftware/pipedge/util"
	"github.com/akitasoftware/pipedge/worker"
)

// demoLayout builds the minimal pipeline layout this core ships with:
// script loading is an external collaborator, so the CLI's listen target
// gets a fixed echo+byte-counter chain rather than a user-authored one.
func demoLayout() *pipeline.Layout {
	l := pipeline.NewLayout("default")
	l.Use(filter.NewByteCounter)
	l.Use(filter.NewEcho)
	return l
}

// runProxy implements the `pipedge [flags] <target>` invocation. target
// is optional only when --list-filters/--help-filters was already handled
// by the caller.
func runProxy(c *cobra.Command, target string) error {
	if target == "" {
		return util.ExitError{ExitCode: 1, Err: errors.New("cmd: a listen target is required")}
	}

	proto := listener.TCP
	if protocolFlag == "udp" {
		proto = listener.UDP
	} else if protocolFlag != "tcp" {
		return util.ExitError{ExitCode: 1, Err: errors.Errorf("cmd: unknown --protocol %q, want tcp or udp", protocolFlag)}
	}

	addr, port, err := parseTarget(target)
	if err != nil {
		if errors.Is(err, errScriptTarget) {
			return util.ExitError{ExitCode: 1, Err: err}
		}
		return util.ExitError{ExitCode: 1, Err: errors.Wrap(err, "cmd: bad target")}
	}

	if verifyFlag {
		printer.Stdout.Infof("target %q parses as %s:%d, verify OK\n", target, addr, port)
		return nil
	}

	spin := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
	spin.Suffix = " starting pipedge..."
	if printer.IsTTY(os.Stderr) {
		spin.Start()
	}

	layout := demoLayout()
	mgr := worker.NewManager(concurrencyFlag)
	if err := mgr.Start(&worker.Worker{Layout: layout, Version: version}); err != nil {
		spin.Stop()
		return util.ExitError{ExitCode: 1, Err: errors.Wrap(err, "cmd: failed to start worker threads")}
	}

	opts := listener.DefaultOptions()
	opts.ReusePort = reusePortFlag
	opts.Transparent = transparentFlag
	opts.Masquerade = masqueradeFlag
	// Every pipeline this listener spawns is counted against one worker
	// thread, so graceful shutdown can drain on the thread's count.
	opts.Tracker = mgr.AssignThread()

	ln := listener.New(proto, addr, port, opts)
	if _, err := ln.SetNextState(layout, opts, true); err != nil {
		spin.Stop()
		_ = mgr.Stop(context.Background(), true)
		return util.ExitError{ExitCode: 1, Err: errors.Wrap(err, "cmd: cannot stage initial pipeline layout")}
	}

	if err := ln.Commit(); err != nil {
		spin.Stop()
		_ = mgr.Stop(context.Background(), true)
		return util.ExitError{ExitCode: 1, Err: errors.Wrap(err, "cmd: failed to bind listener")}
	}
	spin.Stop()

	printer.Stdout.Infof("listening on %s %s:%d with %d thread(s)\n", proto, addr, port, concurrencyFlag)

	mgr.AddStatsSource(func() []worker.ListenerStats {
		in, out := ln.TrafficTotals()
		return []worker.ListenerStats{{Key: ln.Key(), TrafficIn: in, TrafficOut: out, Live: ln.LiveCount()}}
	})

	if adminPortFlag > 0 {
		go func() {
			addr := ":" + strconv.Itoa(adminPortFlag)
			if err := mgr.ServeAdmin(addr); err != nil {
				logrus.WithError(err).Warn("admin endpoint stopped")
			}
		}()
	}

	return serveUntilSignal(ln, mgr)
}

// newExiter builds the exit() controller for this process: the terminate
// hook tears down the listener, drains worker threads, and exits with the
// requested code only after every registered exit callback has settled.
func newExiter(ln *listener.Listener, mgr *worker.Manager) *script.Exiter {
	return script.NewExiter(func(code int) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ln.Stop(ctx)
		_ = mgr.Stop(ctx, false)
		_ = mgr.ShutdownAdmin(ctx)
		os.Exit(code)
	})
}

// serveUntilSignal blocks on the POSIX signal table: SIGINT drains
// gracefully and exits -1, SIGHUP reloads with a freshly-built layout
// (standing in for the script engine's codebase reload, since there is no
// real codebase to reload here), SIGTSTP logs a memory report.
func serveUntilSignal(ln *listener.Listener, mgr *worker.Manager) error {
	sigint, sighup, sigtstp := installSignals()
	exiter := newExiter(ln, mgr)

	for {
		select {
		case <-sigint:
			printer.Stdout.Infoln("received interrupt, shutting down")
			exiter.Exit(-1)

		case <-sighup:
			logrus.Info("reload requested via SIGHUP")
			candidate := &worker.Worker{Layout: demoLayout(), Version: version}
			if err := mgr.Reload(candidate); err != nil {
				logrus.WithError(err).Warn("reload failed, all threads continue on previous worker")
				continue
			}
			if ok, err := ln.SetNextState(candidate.Layout, listener.Options{}, false); !ok {
				logrus.WithError(err).Warn("listener could not stage reloaded layout, rolling back")
				ln.Rollback()
				continue
			}
			if err := ln.Commit(); err != nil {
				logrus.WithError(err).Warn("listener failed to commit reloaded layout")
				continue
			}
			logrus.Info("reload committed")

		case <-sigtstp:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			stats := mgr.CollectBlocking()
			logrus.WithFields(logrus.Fields{
				"heap_alloc_bytes": mem.HeapAlloc,
				"sys_bytes":        mem.Sys,
				"threads":          len(stats.Threads),
			}).Info("memory report")
		}
	}
}

