package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// DefaultUserAgent identifies the assistant to the sites it fetches.
	DefaultUserAgent = "Mozilla/5.0 (compatible; smolit/1.0; +https://github.com/smolitux/smolit)"
	// DefaultFetchTimeout bounds connect and read of a single page.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultMaxLinks is how many outbound links a fetch keeps.
	DefaultMaxLinks = 10

	maxBodyBytes = 2 << 20
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// Link is an outbound hyperlink found on a fetched page.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// FetchResult is the outcome of a fetch or search. Error is set exactly when
// no content was retrieved.
type FetchResult struct {
	URL            string    `json:"url,omitempty"`
	Query          string    `json:"query,omitempty"`
	Engine         string    `json:"engine,omitempty"`
	Title          string    `json:"title,omitempty"`
	Text           string    `json:"content,omitempty"`
	Links          []Link    `json:"links,omitempty"`
	Status         int       `json:"status"`
	Error          string    `json:"error,omitempty"`
	Kind           ErrorKind `json:"kind,omitempty"`
	NotImplemented bool      `json:"notImplemented,omitempty"`
}

// Failed reports whether the result carries an error instead of content.
func (r FetchResult) Failed() bool {
	return r.Error != ""
}

// String renders the result as context text for a prompt.
func (r FetchResult) String() string {
	if r.Failed() {
		target := r.URL
		if target == "" {
			target = r.Query
		}
		if r.Status > 0 {
			return fmt.Sprintf("Error: %s (status %d, %s)", r.Error, r.Status, target)
		}
		return fmt.Sprintf("Error: %s (%s)", r.Error, target)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", r.URL)
	if r.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", r.Title)
	}
	sb.WriteString("\n")
	sb.WriteString(r.Text)
	if len(r.Links) > 0 {
		sb.WriteString("\n\nLinks:\n")
		for _, l := range r.Links {
			fmt.Fprintf(&sb, "- %s <%s>\n", l.Text, l.URL)
		}
	}
	return sb.String()
}

// Browser fetches web pages and extracts their readable content.
type Browser struct {
	UserAgent string
	MaxLinks  int
	client    *http.Client
	logger    *slog.Logger
}

// NewBrowser creates a browser with the given timeout. A nil client gets a
// fresh one; the timeout always applies.
func NewBrowser(client *http.Client, timeout time.Duration, logger *slog.Logger) *Browser {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Timeout = timeout
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		UserAgent: DefaultUserAgent,
		MaxLinks:  DefaultMaxLinks,
		client:    &c,
		logger:    logger,
	}
}

// Fetch retrieves rawURL and extracts title, visible text and links.
func (b *Browser) Fetch(ctx context.Context, rawURL string) FetchResult {
	rawURL = strings.TrimSpace(rawURL)
	fail := func(kind ErrorKind, status int, format string, args ...any) FetchResult {
		msg := fmt.Sprintf(format, args...)
		b.logger.Warn("Web fetch failed", "url", rawURL, "status", status, "error", msg)
		return FetchResult{URL: rawURL, Error: msg, Status: status, Kind: kind}
	}

	if !IsWebURL(rawURL) {
		return fail(ErrorKindValidation, 0, "not an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(ErrorKindValidation, 0, "create request: %v", err)
	}
	req.Header.Set("User-Agent", b.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return fail(ErrorKindTimeout, 0, "fetch timed out: %v", err)
		}
		return fail(ErrorKindTransport, 0, "fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(ErrorKindTransport, resp.StatusCode, "HTTP %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fail(ErrorKindTransport, resp.StatusCode, "read body: %v", err)
	}

	base := resp.Request.URL
	if base == nil {
		base, _ = url.Parse(rawURL)
	}
	page, err := extractPage(string(body), base, b.MaxLinks)
	if err != nil {
		return fail(ErrorKindTransport, resp.StatusCode, "parse html: %v", err)
	}

	b.logger.Debug("Web fetch completed", "url", rawURL, "chars", len(page.text), "links", len(page.links))
	return FetchResult{
		URL:    rawURL,
		Title:  page.title,
		Text:   page.text,
		Links:  page.links,
		Status: resp.StatusCode,
	}
}

// Search is not backed by any engine yet and always says so.
func (b *Browser) Search(ctx context.Context, query, engine string) FetchResult {
	if engine == "" {
		engine = "google"
	}
	return FetchResult{
		Query:          query,
		Engine:         engine,
		Error:          "search not implemented",
		Kind:           ErrorKindValidation,
		NotImplemented: true,
	}
}

// IsWebURL reports whether s is an absolute http or https URL with a host.
func IsWebURL(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

type extracted struct {
	title string
	text  string
	links []Link
}

func extractPage(doc string, base *url.URL, maxLinks int) (extracted, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return extracted{}, err
	}

	var out extracted
	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text.WriteString(n.Data)
			text.WriteString(" ")
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "title":
				if out.title == "" {
					out.title = normalizeSpace(nodeText(n))
				}
				return
			case "a":
				if len(out.links) < maxLinks {
					if link, ok := resolveLink(n, base); ok {
						out.links = append(out.links, link)
					}
				}
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				text.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	out.text = normalizeSpace(text.String())
	return out, nil
}

func resolveLink(n *html.Node, base *url.URL) (Link, bool) {
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" || strings.HasPrefix(href, "#") {
		return Link{}, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return Link{}, false
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if (abs.Scheme != "http" && abs.Scheme != "https") || abs.Host == "" {
		return Link{}, false
	}
	return Link{Text: normalizeSpace(nodeText(n)), URL: abs.String()}, true
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteString(" ")
			return
		}
		if c.Type == html.ElementNode && (c.Data == "script" || c.Data == "style") {
			return
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
