package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-tcpip/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tcpip",
		Short:         "Run a user-space TCP/IP stack on a sandboxed lwIP engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newCheckCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var opts sessionOptions
	var interactive bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a stack and keep it running until interrupted",
		Long: `Start a stack from a compiled engine module and an optional config file.

The config file (YAML, JSON or TOML) lists the interfaces to create, their
WebSocket relays, name resolution and the echo services to run. Without
--wasm the stack runs on the built-in simulated engine.

Interactive mode (-i) shows the interfaces, an echo session over loopback and
the live log:
  Tab          Switch between interfaces and echo session
  ↑/↓          Select an interface
  e            Enable or disable the selected tap interface
  Enter        Send the typed line over the echo session
  q / Ctrl+C   Quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if interactive {
				if !term.IsTerminal(int(os.Stdout.Fd())) {
					return fmt.Errorf("interactive mode needs a terminal")
				}
				return runInteractive(ctx, opts)
			}
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.wasm, "wasm", "", "Path to the compiled engine module")
	f.StringVar(&opts.config, "config", "", "Path to a stack config file")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.Uint32Var(&opts.memoryPages, "memory-pages", 0, "Engine memory limit in 64KiB pages (0 = no limit)")
	f.Uint16Var(&opts.echoPort, "echo-port", 7, "Loopback port of the interactive echo session")
	f.BoolVarP(&interactive, "interactive", "i", false, "Interactive mode with TUI")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <config>",
		Short: "Validate a stack config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", args[0])
			fmt.Fprintf(out, "Interfaces: %d\n", len(c.Interfaces))
			fmt.Fprintf(out, "Services: %d\n", len(c.Services))
			return nil
		},
	}
}

func run(ctx context.Context, opts sessionOptions) error {
	s, err := openSession(ctx, opts, nil)
	if err != nil {
		return err
	}
	s.log.Info("stack running", zap.String("id", s.stack.ID()))
	for _, iface := range s.stack.Interfaces() {
		s.log.Info("interface", zap.Stringer("interface", iface))
	}

	<-ctx.Done()
	s.log.Info("shutting down")
	return s.Close(context.Background())
}
