package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smolitux/smolit/internal/config"
)

var (
	endpointType   string
	endpointModel  string
	endpointAPIKey string
	endpointUse    bool
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage language-model endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range cfg.EndpointNames() {
			e, _ := cfg.Endpoint(name)
			active := " "
			if name == cfg.ActiveEndpoint {
				active = "*"
			}
			line := fmt.Sprintf("%s %-12s %-7s %s", active, name, e.Type, e.APIBase)
			if e.Model != "" {
				line += " (" + e.Model + ")"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var endpointUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the active endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *config.Config) error {
			if err := cfg.SetActiveEndpoint(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active endpoint: %s\n", args[0])
			return nil
		})
	},
}

var endpointAddCmd = &cobra.Command{
	Use:   "add <name> <api-base>",
	Short: "Add or replace an endpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *config.Config) error {
			err := cfg.AddEndpoint(config.Endpoint{
				Name:    args[0],
				APIBase: args[1],
				APIKey:  endpointAPIKey,
				Model:   endpointModel,
				Type:    endpointType,
			})
			if err != nil {
				return err
			}
			if endpointUse {
				if err := cfg.SetActiveEndpoint(args[0]); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s saved\n", args[0])
			return nil
		})
	},
}

var endpointRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *config.Config) error {
			if err := cfg.RemoveEndpoint(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s removed (active: %s)\n", args[0], cfg.ActiveEndpoint)
			return nil
		})
	},
}

// updateConfig loads the config, applies fn and saves the result.
func updateConfig(fn func(*config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return config.Save(cfg)
}

func init() {
	endpointAddCmd.Flags().StringVar(&endpointType, "type", config.EndpointTypeOpenAI, "Endpoint type (openai or llama)")
	endpointAddCmd.Flags().StringVar(&endpointModel, "model", "", "Default model name")
	endpointAddCmd.Flags().StringVar(&endpointAPIKey, "api-key", "", "API key")
	endpointAddCmd.Flags().BoolVar(&endpointUse, "use", false, "Make the endpoint active")

	endpointCmd.AddCommand(endpointListCmd)
	endpointCmd.AddCommand(endpointUseCmd)
	endpointCmd.AddCommand(endpointAddCmd)
	endpointCmd.AddCommand(endpointRemoveCmd)
	rootCmd.AddCommand(endpointCmd)
}
