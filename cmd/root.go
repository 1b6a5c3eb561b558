// Package cmd is the CLI driver: a thin cobra.Command tree that parses
// the external surface (`filename | URL | host:port`, --admin-port,
// --log-level, --reuse-port, --verify, TLS material options, --help,
// --version, --list-filters, --help-filters) and wires it to worker.Manager
// and listener.Listener. It contains no pipeline/event logic itself: the
// streaming core treats it as an external collaborator that constructs a
// worker.Manager and calls into it.
package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akitasoftware/pipedge/cfg"
	"github.com/akitasoftware/pipedge/printer"
	"github.com/akitasoftware/pipedge/util"
)

const version = "0.1.0"

var (
	adminPortFlag   int
	logLevelFlag    string
	protocolFlag    string
	reusePortFlag   bool
	transparentFlag bool
	masqueradeFlag  bool
	verifyFlag      bool
	concurrencyFlag int
	tlsCertFlag     string
	tlsKeyFlag      string
	tlsTrustedCA    string
	listFiltersFlag bool
	helpFiltersFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "pipedge [flags] <filename | URL | host:port>",
	Short:         "A scriptable network proxy core.",
	Long:          "pipedge accepts TCP/UDP connections, feeds byte streams into a pipeline of filters, and emits results to downstream peers.",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	Args:          cobra.MaximumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		configureLogging()

		if listFiltersFlag {
			listFilters()
			return nil
		}
		if helpFiltersFlag {
			helpFilters()
			return nil
		}

		var target string
		if len(args) == 1 {
			target = args[0]
		}
		return runProxy(c, target)
	},
}

func configureLogging() {
	viper.Set("log-level", logLevelFlag)
	viper.Set("debug", logLevelFlag == "debug" || logLevelFlag == "trace")

	level, err := logrus.ParseLevel(logLevelFlag)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Ensure $HOME/.pipedge exists; its codebase cache subdirectory is not
	// created here.
	cfg.Dir()
}

// Execute runs the root command, translating a returned error into an exit
// code: util.ExitError carries an explicit code, anything else exits 1.
func Execute() {
	if c, err := rootCmd.ExecuteC(); err != nil {
		var exitErr util.ExitError
		isExitErr := errors.As(err, &exitErr)
		if !isExitErr {
			c.Println(c.UsageString())
		}

		exitCode := 1
		if isExitErr {
			exitCode = exitErr.ExitCode
		}
		printer.Stderr.Errorf("%s\n", err)
		os.Exit(exitCode)
	}
}

func init() {
	rootCmd.Flags().IntVar(&adminPortFlag, "admin-port", 0, "Port for the administrative stats HTTP endpoint. 0 disables it.")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "Log level: trace, debug, info, warn, error.")
	rootCmd.Flags().StringVar(&protocolFlag, "protocol", "tcp", "Transport protocol to listen on: tcp or udp.")
	rootCmd.Flags().BoolVar(&reusePortFlag, "reuse-port", false, "Bind with SO_REUSEPORT, one acceptor per worker thread.")
	rootCmd.Flags().BoolVar(&transparentFlag, "transparent", false, "TCP only: look up the pre-NAT destination via SO_ORIGINAL_DST.")
	rootCmd.Flags().BoolVar(&masqueradeFlag, "masquerade", false, "UDP only: send replies from a raw socket with a spoofed source address.")
	rootCmd.Flags().BoolVar(&verifyFlag, "verify", false, "Parse the target and exit without starting the proxy.")
	rootCmd.Flags().IntVar(&concurrencyFlag, "threads", 1, "Number of worker threads.")
	rootCmd.Flags().StringVar(&tlsCertFlag, "tls-cert", "", "Path to a TLS certificate (consumed by a TLS filter, not the core).")
	rootCmd.Flags().StringVar(&tlsKeyFlag, "tls-key", "", "Path to a TLS private key (consumed by a TLS filter, not the core).")
	rootCmd.Flags().StringVar(&tlsTrustedCA, "tls-trusted-ca", "", "Path to a trusted CA bundle (consumed by a TLS filter, not the core).")
	rootCmd.Flags().BoolVar(&listFiltersFlag, "list-filters", false, "List the names of every built-in filter and exit.")
	rootCmd.Flags().BoolVar(&helpFiltersFlag, "help-filters", false, "Describe every built-in filter and exit.")

	viper.BindPFlag("admin-port", rootCmd.Flags().Lookup("admin-port"))
	viper.BindPFlag("reuse-port", rootCmd.Flags().Lookup("reuse-port"))
}
