package expert

import (
	"context"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/tools"
)

var commandPrefixes = []string{"run ", "exec ", "execute "}

// Command runs allow-listed programs. Input that already is a safe command
// line is executed and the model explains the output; anything else is
// answered by the model with the allow-list in view.
type Command struct {
	*Requester
	exec *tools.CommandExecutor
}

// NewCommand creates the command expert.
func NewCommand(exec *tools.CommandExecutor, completer provider.Completer, opts Options) *Command {
	return &Command{
		Requester: NewRequester(NameCommand, completer, opts),
		exec:      exec,
	}
}

func (c *Command) Name() string { return NameCommand }

// Accepts reports whether input is a command line for an allow-listed
// program. Input with a run/exec prefix only needs the program to be listed;
// bare input must also read like a command rather than a sentence.
func (c *Command) Accepts(input string) bool {
	line, explicit := commandLine(input)
	if explicit {
		_, ok := c.exec.AllowList().Lookup(programName(line))
		return ok
	}
	return c.looksLikeCommand(line)
}

// looksLikeCommand reports whether line names an allow-listed program and
// every argument before any shell metacharacter is a flag, a flag value or
// a path.
func (c *Command) looksLikeCommand(line string) bool {
	if i := strings.IndexAny(line, shellMeta); i >= 0 {
		line = line[:i]
	}
	argv, err := shellquote.Split(line)
	if err != nil || len(argv) == 0 {
		return false
	}
	if _, ok := c.exec.AllowList().Lookup(argv[0]); !ok {
		return false
	}
	afterFlag := false
	for _, arg := range argv[1:] {
		switch {
		case strings.HasPrefix(arg, "-"):
			afterFlag = true
			continue
		case isPathLike(arg), afterFlag:
		default:
			return false
		}
		afterFlag = false
	}
	return true
}

func isPathLike(arg string) bool {
	return strings.ContainsAny(arg, "/.~*")
}

// ExecuteCommand runs command through the executor without the model.
func (c *Command) ExecuteCommand(ctx context.Context, command string) tools.ExecutionResult {
	return c.exec.Execute(ctx, command, 0)
}

func (c *Command) Process(ctx context.Context, input string) (out string) {
	defer Recover(&out, c.logger, NameCommand)

	line, explicit := commandLine(input)
	if !explicit && !c.looksLikeCommand(line) {
		return c.Request(ctx, input, c.suggestPrompt)
	}
	if _, err := c.exec.Validate(line); err != nil {
		out = Errorf("%v", err)
		c.Remember(input, out)
		return out
	}

	result := c.exec.Execute(ctx, line, 0)
	rendered := renderExecution(result)
	if result.Failed() {
		c.Remember(input, rendered)
		return rendered
	}

	explanation := c.Request(ctx, input, func(ctx context.Context, input string, history []session.Turn) (string, error) {
		return explainPrompt(line, rendered, history), nil
	})
	if IsError(explanation) {
		c.logger.Warn("Command ran but explanation failed", "command", line, "error", explanation)
		return rendered
	}
	return rendered + "\n\n" + explanation
}

func (c *Command) suggestPrompt(ctx context.Context, input string, history []session.Turn) (string, error) {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(session.Render(history))
		sb.WriteString("\n")
	}
	sb.WriteString("You help the user run shell commands safely. Only these programs and flags are allowed:\n")
	sb.WriteString(c.exec.AllowList().Describe())
	sb.WriteString("\nPipes, redirection, command chaining and substitution are never allowed.\n")
	sb.WriteString("Suggest a single allowed command line for the request and explain what it does.\n\n")
	sb.WriteString("Request: ")
	sb.WriteString(input)
	return sb.String(), nil
}

func explainPrompt(line, rendered string, history []session.Turn) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(session.Render(history))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "The command `%s` was executed. Its output:\n\n", line)
	sb.WriteString(truncate(rendered, 4000))
	sb.WriteString("\n\nExplain the result to the user in a few sentences.")
	return sb.String()
}

func renderExecution(r tools.ExecutionResult) string {
	if r.Failed() {
		return r.String()
	}
	return "$ " + r.Command + "\n" + r.String()
}

const shellMeta = ";&|<>`$("

// programName is the leading word of line cut at the first shell
// metacharacter, so "ls;rm" names ls.
func programName(line string) string {
	w := firstWord(line)
	if i := strings.IndexAny(w, shellMeta); i >= 0 {
		w = w[:i]
	}
	return w
}

// commandLine strips a run/exec prefix and reports whether one was present.
func commandLine(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	lower := strings.ToLower(trimmed)
	for _, p := range commandPrefixes {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(trimmed[len(p):]), true
		}
	}
	return trimmed, false
}

func stripCommandPrefix(input string) string {
	line, _ := commandLine(input)
	return line
}
