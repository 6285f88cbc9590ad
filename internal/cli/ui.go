package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/smolitux/smolit/internal/agent"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// printResponse writes an assistant response, failures in red.
func printResponse(w io.Writer, response string) {
	if agent.IsErrorResponse(response) {
		fmt.Fprintln(w, color.RedString(response))
		return
	}
	fmt.Fprintln(w, response)
}

func mark(ok bool) string {
	if ok {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}
