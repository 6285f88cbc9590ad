package cli

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/smolitux/smolit/internal/agent"
	"github.com/smolitux/smolit/internal/modelserver"
)

var (
	chatMessage     string
	chatSession     string
	chatExperts     []string
	chatAll         bool
	chatStartServer bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant (interactive unless -m is given)",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", agent.DefaultSessionKey, "Session key")
	chatCmd.Flags().BoolVar(&chatAll, "all", false, "Ask every expert and print each answer")
	chatCmd.Flags().StringSliceVar(&chatExperts, "expert", nil, "Experts to ask with --all (default: every expert)")
	chatCmd.Flags().BoolVar(&chatStartServer, "start-server", false, "Start the local model server for the duration of the chat")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := notifyContext(cmd.Context())
	defer stop()

	return withAssistant(ctx, func(a *assistant) error {
		if chatStartServer {
			srv := modelserver.NewManager(a.cfg.ModelServer, a.logger)
			if !srv.Start(ctx) {
				return fmt.Errorf("model server did not become healthy at %s", a.cfg.ModelServer.HealthURL)
			}
			defer srv.Stop()
		}

		out := cmd.OutOrStdout()
		if chatMessage != "" {
			ask(ctx, cmd, a, chatMessage)
			return nil
		}

		printHeader(out, "smolit chat")
		fmt.Fprintf(out, "Experts: %s\n", strings.Join(a.dispatcher.Experts(), ", "))
		fmt.Fprintln(out, "Type 'exit' to quit.")
		fmt.Fprintln(out)

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(out, color.GreenString("you> "))
			if !scanner.Scan() {
				fmt.Fprintln(out)
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "exit", "quit":
				return nil
			}
			ask(ctx, cmd, a, line)
			if ctx.Err() != nil {
				return nil
			}
		}
	})
}

func ask(ctx context.Context, cmd *cobra.Command, a *assistant, input string) {
	out := cmd.OutOrStdout()
	if chatAll {
		responses := a.dispatcher.ProcessAll(ctx, input, chatExperts)
		names := make([]string, 0, len(responses))
		for name := range responses {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(out, color.CyanString("[%s]", name))
			printResponse(out, responses[name])
		}
		return
	}

	turn := a.dispatcher.ProcessTurn(ctx, agent.Request{Input: input, SessionKey: chatSession, Channel: "cli"})
	if turn.Expert != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), color.New(color.Faint).Sprintf("(%s via %s)", turn.Expert, turn.Reason))
	}
	printResponse(out, turn.Response)
}
