package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smolitux/smolit/internal/tools"
)

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Run an allow-listed command without asking the model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAssistant(cmd.Context(), func(a *assistant) error {
			res, err := a.dispatcher.ExecuteCommand(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			printResponse(cmd.OutOrStdout(), res.String())
			if !res.Success {
				return fmt.Errorf("command failed")
			}
			return nil
		})
	},
}

var browseCmd = &cobra.Command{
	Use:   "browse <url>",
	Short: "Fetch a web page and print its readable content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAssistant(cmd.Context(), func(a *assistant) error {
			res, err := a.dispatcher.BrowseURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printFetch(cmd, res)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the web",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAssistant(cmd.Context(), func(a *assistant) error {
			res, err := a.dispatcher.SearchWeb(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printFetch(cmd, res)
		})
	},
}

func printFetch(cmd *cobra.Command, res tools.FetchResult) error {
	printResponse(cmd.OutOrStdout(), res.String())
	if res.Failed() {
		return fmt.Errorf("fetch failed")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(searchCmd)
}
