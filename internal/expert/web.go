package expert

import (
	"context"
	"regexp"
	"strings"

	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/tools"
)

var (
	urlPattern     = regexp.MustCompile(`https?://[^\s<>"']+`)
	searchKeywords = []string{"search for ", "search ", "google ", "look up ", "find online "}
)

// Web fetches pages for URL input and searches for everything else.
type Web struct {
	*Requester
	browser *tools.Browser
}

// NewWeb creates the web expert.
func NewWeb(browser *tools.Browser, completer provider.Completer, opts Options) *Web {
	return &Web{
		Requester: NewRequester(NameWeb, completer, opts),
		browser:   browser,
	}
}

func (w *Web) Name() string { return NameWeb }

// Accepts reports whether input holds a URL or starts with a search keyword.
func (w *Web) Accepts(input string) bool {
	if urlPattern.MatchString(input) {
		return true
	}
	_, ok := searchQuery(input)
	return ok
}

// BrowseURL fetches url without the model.
func (w *Web) BrowseURL(ctx context.Context, url string) tools.FetchResult {
	return w.browser.Fetch(ctx, url)
}

// SearchWeb searches without the model.
func (w *Web) SearchWeb(ctx context.Context, query string) tools.FetchResult {
	return w.browser.Search(ctx, query, "")
}

func (w *Web) Process(ctx context.Context, input string) (out string) {
	defer Recover(&out, w.logger, NameWeb)

	var result tools.FetchResult
	if u := urlPattern.FindString(input); u != "" {
		result = w.browser.Fetch(ctx, strings.TrimRight(u, ".,;:!?)"))
	} else {
		q, ok := searchQuery(input)
		if !ok {
			q = strings.TrimSpace(input)
		}
		result = w.browser.Search(ctx, q, "")
	}

	if result.Failed() {
		out = result.String()
		w.Remember(input, out)
		return out
	}

	return w.Request(ctx, input, func(ctx context.Context, input string, history []session.Turn) (string, error) {
		var sb strings.Builder
		if len(history) > 0 {
			sb.WriteString("Conversation so far:\n")
			sb.WriteString(session.Render(history))
			sb.WriteString("\n")
		}
		sb.WriteString("Web content:\n")
		sb.WriteString(truncate(result.String(), 6000))
		sb.WriteString("\n\nSummarize the content and answer the request. Mention useful links.\n\nRequest: ")
		sb.WriteString(input)
		return sb.String(), nil
	})
}

// searchQuery strips a leading search keyword and reports whether one
// was present.
func searchQuery(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	lower := strings.ToLower(trimmed)
	for _, k := range searchKeywords {
		if strings.HasPrefix(lower, k) {
			return strings.TrimSpace(trimmed[len(k):]), true
		}
	}
	return trimmed, false
}
