// Command transportd runs the transport server as a standalone daemon and
// offers an in-process simulation for smoke testing.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-transport/config"
	"github.com/cyberinferno/go-transport/logger"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const serviceName = "transportd"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Connection-oriented transport server",
		Long: `transportd accepts remote clients over UDP, admits them up to a
configured limit, and moves length-prefixed messages over a reliable and
an unreliable channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		simulateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the logging section. Without a
// directory it writes to stdout only.
func newLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Dir == "" {
		return logger.NewZerologLogger(zerolog.New(os.Stdout), serviceName, level), nil
	}

	return logger.NewZerologFileLogger(os.Stdout, serviceName, cfg.Dir, level)
}
