package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"helixstream/internal/config"
	"helixstream/internal/logging"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	apiURL     string
	transport  string
	wait       string
	journal    bool
	logLevel   string
	logFile    string
	logJSON    bool
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand(os.Stdout).ExecuteContext(ctx)
}

func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	var a *app

	root := &cobra.Command{
		Use:   "helixctl",
		Short: "Run inference tasks and agent chats with live updates",
		Long: `helixctl submits tasks and chat turns to the inference API and
follows them to completion over server-sent events, WebSocket, gRPC
or polling.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := config.LoadFile(opts.configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			applyFlags(cmd, opts, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.Initialize(logging.Config{
				Level:      cfg.Log.Level,
				File:       cfg.Log.File,
				JSON:       cfg.Log.JSON,
				Components: cfg.Log.Components,
			}); err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			a, err = newApp(cmd.Context(), cfg, out)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if a != nil {
				err = a.Close()
			}
			if cerr := logging.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}
	root.SetOut(out)

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", os.Getenv("HELIX_CONFIG_FILE"), "YAML configuration file")
	f.StringVar(&opts.apiURL, "api-url", "", "API base URL")
	f.StringVar(&opts.transport, "transport", "", "stream transport: sse, ws or grpc")
	f.StringVar(&opts.wait, "wait", "", "how to wait for completion: stream, poll or none")
	f.BoolVar(&opts.journal, "journal", false, "record observed updates and print them at the end")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&opts.logFile, "log-file", "", "also write logs to this file")
	f.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")

	getApp := func() *app { return a }
	root.AddCommand(
		newRunCommand(getApp),
		newTaskCommand(getApp),
		newCancelCommand(getApp),
		newChatCommand(getApp),
	)
	return root
}

func applyFlags(cmd *cobra.Command, opts *rootOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = strings.TrimRight(opts.apiURL, "/")
	}
	if flags.Changed("transport") {
		cfg.Transport = strings.ToLower(opts.transport)
	}
	if flags.Changed("wait") {
		cfg.WaitMode = strings.ToLower(opts.wait)
	}
	if flags.Changed("journal") {
		cfg.Journal = opts.journal
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = opts.logFile
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = opts.logJSON
	}
}
