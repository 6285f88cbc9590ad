package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/smolitux/smolit/internal/config"
	"github.com/smolitux/smolit/internal/modelserver"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, model server and expert status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAssistant(cmd.Context(), func(a *assistant) error {
			experts := a.dispatcher.Status(cmd.Context())
			if statusJSON {
				return printJSON(cmd.OutOrStdout(), experts)
			}

			out := cmd.OutOrStdout()
			printHeader(out, "smolit status")
			fmt.Fprintf(out, "Version:  %s\n", version)

			cfgPath, _ := config.ConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(out, "Config:   %s %s\n", mark(true), cfgPath)
			} else {
				fmt.Fprintf(out, "Config:   %s defaults (no %s)\n", mark(false), cfgPath)
			}

			if e, err := a.cfg.Active(); err == nil {
				fmt.Fprintf(out, "Endpoint: %s (%s, %s)\n", e.Name, e.Type, e.APIBase)
			} else {
				fmt.Fprintf(out, "Endpoint: %s %v\n", mark(false), err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()
			healthy := modelserver.NewManager(a.cfg.ModelServer, a.logger).Healthy(ctx)
			fmt.Fprintf(out, "Server:   %s %s\n", mark(healthy), a.cfg.ModelServer.HealthURL)

			if stats, err := a.dispatcher.KnowledgeStats(cmd.Context()); err == nil {
				fmt.Fprintf(out, "Knowledge: %d documents in %s\n", stats.Count, stats.Collection)
			}

			fmt.Fprintln(out, "\nExperts:")
			for _, name := range a.dispatcher.Experts() {
				st := experts[name]
				line := fmt.Sprintf("  %s %-10s", mark(st.Available), name)
				if st.Error != "" {
					line += " " + st.Error
				} else {
					line += fmt.Sprintf(" %d turns remembered", len(st.Memory))
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the local model server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the model server and keep it running until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := notifyContext(cmd.Context())
		defer stop()

		srv := modelserver.NewManager(cfg.ModelServer, nil)
		if !srv.Start(ctx) {
			return fmt.Errorf("model server did not become healthy at %s", cfg.ModelServer.HealthURL)
		}
		out := cmd.OutOrStdout()
		if !srv.Running() {
			fmt.Fprintf(out, "Model server already running at %s\n", cfg.ModelServer.HealthURL)
			return nil
		}
		fmt.Fprintf(out, "Model server ready at %s (Ctrl-C to stop)\n", cfg.ModelServer.HealthURL)
		<-ctx.Done()
		if srv.Stop() {
			fmt.Fprintln(out, "Model server stopped")
		}
		return nil
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the model server health URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		healthy := modelserver.NewManager(cfg.ModelServer, nil).Healthy(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark(healthy), cfg.ModelServer.HealthURL)
		if !healthy {
			return fmt.Errorf("model server is not healthy")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output expert status as JSON")
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStatusCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serverCmd)
}
