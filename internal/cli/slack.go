package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smolitux/smolit/internal/channels"
)

var slackCmd = &cobra.Command{
	Use:   "slack",
	Short: "Answer Slack messages over socket mode until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := notifyContext(cmd.Context())
		defer stop()

		return withAssistant(ctx, func(a *assistant) error {
			if !a.cfg.Channels.Slack.Enabled {
				return fmt.Errorf("slack channel is disabled (smolit config set channels.slack.enabled true)")
			}
			var ch channels.Channel = channels.NewSlackChannel(a.cfg.Channels.Slack, a.dispatcher, a.logger)
			if err := ch.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (Ctrl-C to stop)\n", ch.Name())
			<-ctx.Done()
			return ch.Stop()
		})
	},
}

func init() {
	rootCmd.AddCommand(slackCmd)
}
