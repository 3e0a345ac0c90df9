package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tracecast/tracecast/internal/cli"
	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/daemon"
	"github.com/tracecast/tracecast/internal/log"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagJSON  bool
	flagQuiet bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracecast",
		Short: "Share coding-agent session transcripts",
		Long: `Tracecast serves local coding-agent transcripts as live web pages and
exposes them through tunnel providers (Cloudflare, ngrok, Tailscale).

Shares are owned by a background daemon, so they survive after the
terminal that created them closes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("tracecast v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		if cli.IsNotRunning(err) {
			fmt.Fprintln(os.Stderr, "Error: daemon not running (start it with 'tracecast daemon start')")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		return &config.Config{}
	}
	return cfg
}

func printJSON(v any) {
	output, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(output))
}

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage transcript shares",
	}

	var flagProvider string
	startCmd := &cobra.Command{
		Use:   "start <session>",
		Short: "Share a session through a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := cli.ShareStart(loadConfig(), args[0], flagProvider)
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(info)
				return nil
			}
			if !flagQuiet {
				fmt.Println("✓ Share started")
			}
			fmt.Print(cli.FormatShareInfo(info))
			return nil
		},
	}
	startCmd.Flags().StringVar(&flagProvider, "provider", "", "Tunnel provider (cloudflare, ngrok, tailscale, mock)")
	cmd.AddCommand(startCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <share-id>",
		Short: "Stop a share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cli.ShareStop(loadConfig(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(map[string]string{"share_id": id.String()})
				return nil
			}
			if !flagQuiet {
				fmt.Printf("✓ Share %s stopped\n", id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, err := cli.ShareList(loadConfig())
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(shares)
				return nil
			}
			fmt.Print(cli.FormatShareList(shares))
			return nil
		},
	})

	return cmd
}

func sessionsCmd() *cobra.Command {
	var flagRoot string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := cli.Sessions(flagRoot)
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(sessions)
				return nil
			}
			fmt.Print(cli.FormatSessions(sessions))
			return nil
		},
	}
	cmd.Flags().StringVar(&flagRoot, "root", "", "Transcript directory (defaults to ~/.claude/projects)")
	return cmd
}

func viewCmd() *cobra.Command {
	var flagPort int
	cmd := &cobra.Command{
		Use:   "view <session>",
		Short: "Serve a session locally without a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			result, err := cli.View(args[0], flagPort, logger)
			if err != nil {
				return err
			}
			defer result.Stop()

			if flagJSON {
				printJSON(result)
			} else if term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Printf("Serving %s\n", result.SessionPath)
				fmt.Printf("  %s  (Ctrl-C to stop)\n", result.URL)
			} else {
				fmt.Println(result.URL)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	cmd.Flags().IntVar(&flagPort, "port", 0, "Port to serve on (0 picks a free port)")
	return cmd
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the share daemon",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.DaemonStart(); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon started")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.DaemonStop(); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon stopped")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cli.DaemonStatus()
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(result)
			} else {
				fmt.Print(cli.FormatDaemonStatus(result))
			}
			// Exit code 1 when the daemon is down, like systemctl status.
			if !result.Running {
				os.Exit(1)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground (internal use)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			d, err := daemon.New(loadConfig(), logger)
			if err != nil {
				return err
			}
			return d.Run(context.Background())
		},
	})

	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check tunnel binaries and daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cli.Check()
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(result)
				return nil
			}
			fmt.Print(cli.FormatCheck(result))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cli.ConfigShow()
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(result)
				return nil
			}
			fmt.Print(cli.FormatConfigShow(result))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.ConfigSet(args[0], args[1]); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Printf("✓ %s updated\n", args[0])
			}
			return nil
		},
	})

	return cmd
}
