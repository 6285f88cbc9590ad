package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	knowledgeFiles []string
	knowledgeLimit int
	knowledgeJSON  bool
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the local knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add [text...]",
	Short: "Add documents (each argument and each --file is one document)",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs := append([]string(nil), args...)
		for _, path := range knowledgeFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			docs = append(docs, string(data))
		}
		if len(docs) == 0 {
			return fmt.Errorf("nothing to add: pass text or --file")
		}
		return withAssistant(cmd.Context(), func(a *assistant) error {
			ids, err := a.dispatcher.AddKnowledge(cmd.Context(), docs)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if len(ids) < len(docs) {
				return fmt.Errorf("%d of %d documents could not be stored", len(docs)-len(ids), len(docs))
			}
			return nil
		})
	},
}

var knowledgeQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Show the documents most relevant to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAssistant(cmd.Context(), func(a *assistant) error {
			results, err := a.dispatcher.QueryKnowledge(cmd.Context(), strings.Join(args, " "), knowledgeLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if knowledgeJSON {
				return printJSON(out, results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No matching documents.")
				return nil
			}
			for _, r := range results {
				if r.Error != "" {
					printResponse(out, "Error: "+r.Error)
					continue
				}
				score := ""
				if r.Score != nil {
					score = fmt.Sprintf(" (%.3f)", *r.Score)
				}
				fmt.Fprintf(out, "%s%s\n  %s\n", r.ID, score, truncateLine(r.Content, 160))
			}
			return nil
		})
	},
}

var knowledgeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge base statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAssistant(cmd.Context(), func(a *assistant) error {
			stats, err := a.dispatcher.KnowledgeStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if knowledgeJSON {
				return printJSON(out, stats)
			}
			if stats.Error != "" {
				printResponse(out, "Error: "+stats.Error)
				return nil
			}
			fmt.Fprintf(out, "Documents:  %d\n", stats.Count)
			fmt.Fprintf(out, "Collection: %s\n", stats.Collection)
			if stats.Path != "" {
				fmt.Fprintf(out, "Path:       %s\n", stats.Path)
			}
			return nil
		})
	},
}

func init() {
	knowledgeAddCmd.Flags().StringArrayVarP(&knowledgeFiles, "file", "f", nil, "Read a document from a file")
	knowledgeQueryCmd.Flags().IntVarP(&knowledgeLimit, "limit", "n", 3, "Maximum number of results")
	knowledgeQueryCmd.Flags().BoolVar(&knowledgeJSON, "json", false, "Output JSON")
	knowledgeStatsCmd.Flags().BoolVar(&knowledgeJSON, "json", false, "Output JSON")

	knowledgeCmd.AddCommand(knowledgeAddCmd)
	knowledgeCmd.AddCommand(knowledgeQueryCmd)
	knowledgeCmd.AddCommand(knowledgeStatsCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func truncateLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
