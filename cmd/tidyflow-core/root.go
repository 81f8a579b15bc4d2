package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitbobobo/tidyflow/internal/config"
	"github.com/gitbobobo/tidyflow/internal/logging"
	"github.com/gitbobobo/tidyflow/internal/runner"
	"github.com/gitbobobo/tidyflow/internal/server"
	"github.com/gitbobobo/tidyflow/internal/state"
	"github.com/gitbobobo/tidyflow/internal/term"
	"github.com/gitbobobo/tidyflow/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "tidyflow-core",
	Short: "Local orchestration core for the TidyFlow workbench",
	Long: `tidyflow-core is the long-lived local process behind the TidyFlow
desktop client. It multiplexes terminal sessions, git operations, file
I/O and filesystem watching for every registered project over one
loopback WebSocket.

On start it binds 127.0.0.1, writes the chosen port to stdout as
PORT=<n> and to <state_dir>/port, and serves until its parent closes
stdin or sends SIGINT/SIGTERM.

The state directory defaults to ~/.tidyflow and can be overridden with
TIDYFLOW_STATE_DIR.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		logLevel, _ := cmd.Flags().GetString("log-level")
		if !cmd.Flags().Changed("log-level") {
			// Let config.Load fall back to TIDYFLOW_LOG_LEVEL, then its default.
			logLevel = ""
		}
		return run(port, logLevel)
	},
}

func init() {
	rootCmd.Flags().Int("port", 0, "Port to listen on (0 picks one)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug|info|warn|error)")
}

func run(port int, logLevel string) error {
	cfg, err := config.Load(port, logLevel)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	sink, err := logging.NewSink(cfg.LogsDir(), level)
	if err != nil {
		return err
	}
	defer sink.Close()
	log := sink.Component("core")

	store, err := state.Open(cfg.StateFile())
	if err != nil {
		log.Errorf("state file unusable: %v", err)
		return err
	}

	engine := worktree.NewEngine(store, cfg.WorktreesDir(), sink.Component("worktree"))
	terms := term.NewManager(sink.Component("term"))
	tasks := runner.New(sink.Component("runner"))

	srv := server.New(server.Deps{
		Store:  store,
		Engine: engine,
		Terms:  terms,
		Runner: tasks,
		Sink:   sink,
	})

	boundPort, err := srv.Start(cfg.Port)
	if err != nil {
		log.Errorf("failed to bind: %v", err)
		return err
	}

	if err := state.WritePortFile(cfg.PortFile(), boundPort); err != nil {
		log.Errorf("failed to write port file: %v", err)
		srv.Stop()
		return err
	}
	// The launcher reads either the port file or this line.
	fmt.Printf("PORT=%d\n", boundPort)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Parent disconnect: stdin EOF means the launcher is gone and the
	// core should wind down with it.
	go func() {
		r := bufio.NewReader(os.Stdin)
		for {
			if _, err := r.ReadByte(); err == io.EOF {
				log.Infof("stdin closed, shutting down")
				cancel()
				return
			} else if err != nil {
				return
			}
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")
	srv.Stop()
	return nil
}
