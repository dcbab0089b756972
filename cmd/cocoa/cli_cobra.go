package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/agent"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/config"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/server"
)

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "CBT counseling agent with distortion detection and session memory",
		Long: strings.TrimSpace(`cocoa is a conversational agent that applies Cognitive Behavioral Therapy.

Each turn detects cognitive distortions, stores them with extracted insights in
session memory, and grounds the reply in a CBT technique and stage. Chat from
the terminal or expose the agent over HTTP.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}

	return root
}

func newOnboardCommand() *cobra.Command {
	var (
		cfgPath string
		force   bool
	)

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config to ~/.cocoa/config.json",
		Example: "  cocoa onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.OutOrStdout(), cfgPath, force)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Config file path (default ~/.cocoa/config.json)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		message string
		session string
		stream  bool
		debug   bool
		cfgPath string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent from the terminal",
		Long:  "Run an interactive counseling session, or send one message and print the reply.",
		Example: strings.Join([]string{
			"  cocoa chat",
			"  cocoa chat --session evening --stream",
			"  cocoa chat --message \"I always mess everything up\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			sess, err := deps.registry.Session(agent.ChannelCLI, session)
			if err != nil {
				return err
			}
			chat := &chatSession{
				processor: deps.processor,
				session:   sess,
				stream:    stream,
				out:       cmd.OutOrStdout(),
			}
			if strings.TrimSpace(message) != "" {
				return chat.turn(ctx, message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s interactive session (type exit to quit)\n\n", appName)
			return chat.interactive(ctx)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send to the agent")
	cmd.Flags().StringVarP(&session, "session", "s", "default", "Conversation id for continuity")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the reply as it is generated")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&cfgPath, "config", "", "Config file path (default ~/.cocoa/config.json)")

	return cmd
}

func newServeCommand() *cobra.Command {
	var (
		debug   bool
		cfgPath string
		addr    string
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the chat endpoint over HTTP",
		Long:    "Expose POST /chat and GET /health. Conversations are keyed by the X-Session-ID header.",
		Example: "  cocoa serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				if err := applyAddr(cfg, addr); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			return server.New(cfg, deps.processor, deps.registry).ListenAndServe(ctx)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&cfgPath, "config", "", "Config file path (default ~/.cocoa/config.json)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address host:port (overrides server.host/server.port)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider, and memory readiness",
		Example: "  cocoa status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout(), cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Config file path (default ~/.cocoa/config.json)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  cocoa version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

// commandContext is cmd.Context() with a background fallback for commands
// executed without ExecuteContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func applyAddr(cfg *config.Config, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid --addr %q: port must be 1-65535", addr)
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return nil
}
