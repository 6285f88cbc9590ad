package expert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smolitux/smolit/internal/memory"
	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/tools"
)

type fakeCompleter struct {
	mu      sync.Mutex
	answer  string
	err     error
	panics  bool
	prompts []string
	history [][]provider.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string, history []provider.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	f.prompts = append(f.prompts, prompt)
	f.history = append(f.history, history)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeCompleter) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func newKB(t *testing.T) *memory.KnowledgeBase {
	t.Helper()
	store, err := memory.OpenSQLiteStore(context.Background(), ":memory:", "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return memory.NewKnowledgeBase(store, nil, nil)
}

func TestErrorHelpers(t *testing.T) {
	assert.Equal(t, "Error: bad 1", Errorf("bad %d", 1))
	assert.True(t, IsError("Error: x"))
	assert.False(t, IsError("fine"))
}

func TestRecover(t *testing.T) {
	fn := func() (out string) {
		defer Recover(&out, Options{}.logger(), "test")
		panic("kaboom")
	}
	out := fn()
	assert.True(t, IsError(out))
	assert.Contains(t, out, "kaboom")
}

func TestRequester_RecordsExchange(t *testing.T) {
	fc := &fakeCompleter{answer: "hi there"}
	r := NewRequester("test", fc, Options{})
	build := func(ctx context.Context, input string, history []session.Turn) (string, error) {
		return "P:" + input, nil
	}

	assert.Equal(t, "hi there", r.Request(context.Background(), "hello", build))
	assert.Equal(t, "hi there", r.Request(context.Background(), "again", build))

	turns := r.Memory().Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, "hello", turns[0].Text)
	assert.Equal(t, session.RoleAssistant, turns[1].Role)

	// The second request sees the first exchange as history.
	require.Len(t, fc.history, 2)
	assert.Empty(t, fc.history[0])
	require.Len(t, fc.history[1], 2)
	assert.Equal(t, "hello", fc.history[1][0].Content)
	assert.Equal(t, "P:again", fc.lastPrompt())
}

func TestRequester_Failures(t *testing.T) {
	ok := func(ctx context.Context, input string, history []session.Turn) (string, error) {
		return input, nil
	}

	t.Run("no completer", func(t *testing.T) {
		r := NewRequester("test", nil, Options{})
		out := r.Request(context.Background(), "q", ok)
		assert.Equal(t, "Error: no language model configured", out)
		assert.Equal(t, 1, r.Memory().Len())
	})

	t.Run("model error", func(t *testing.T) {
		r := NewRequester("test", &fakeCompleter{err: errors.New("connection refused")}, Options{})
		out := r.Request(context.Background(), "q", ok)
		assert.True(t, IsError(out))
		assert.Contains(t, out, "connection refused")
	})

	t.Run("build error", func(t *testing.T) {
		fc := &fakeCompleter{answer: "x"}
		r := NewRequester("test", fc, Options{})
		out := r.Request(context.Background(), "q", func(context.Context, string, []session.Turn) (string, error) {
			return "", errors.New("no context")
		})
		assert.Equal(t, "Error: no context", out)
		assert.Zero(t, fc.calls())
	})

	t.Run("panic", func(t *testing.T) {
		r := NewRequester("test", &fakeCompleter{panics: true}, Options{})
		out := r.Request(context.Background(), "q", ok)
		assert.True(t, IsError(out))
		assert.Contains(t, out, "boom")
	})
}

func TestCommand_Accepts(t *testing.T) {
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), &fakeCompleter{}, Options{})
	assert.True(t, c.Accepts("ls -l"))
	assert.True(t, c.Accepts("run echo hi"))
	assert.True(t, c.Accepts("ls;rm -rf /"))
	assert.False(t, c.Accepts("rm -rf /"))
	assert.False(t, c.Accepts("what is the weather"))
	assert.False(t, c.Accepts(""))
}

func TestCommand_AcceptsOnlyCommandShapedInput(t *testing.T) {
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), &fakeCompleter{}, Options{})
	for _, input := range []string{"cat notes.txt", "find . -name x", "pwd", "grep -i todo main.go", "ls ~/docs"} {
		assert.True(t, c.Accepts(input), input)
	}
	for _, input := range []string{
		"find me a cheap pizza place nearby",
		"cat videos are funny, why?",
		"echo is a nice word",
		"grep for the meaning of life",
	} {
		assert.False(t, c.Accepts(input), input)
	}
}

func TestCommand_SentenceGoesToModelNotShell(t *testing.T) {
	fc := &fakeCompleter{answer: "Try `find . -name pizza`."}
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), fc, Options{})

	out := c.Process(context.Background(), "find me a cheap pizza place nearby")
	assert.Equal(t, "Try `find . -name pizza`.", out)
	assert.NotContains(t, out, "$ find")
	assert.Contains(t, fc.lastPrompt(), "find me a cheap pizza place nearby")
}

func TestCommand_ExecutesSafeInput(t *testing.T) {
	fc := &fakeCompleter{answer: "It printed a greeting."}
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), fc, Options{})

	out := c.Process(context.Background(), "run echo hello")
	assert.Contains(t, out, "$ echo hello")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "It printed a greeting.")
	assert.Contains(t, fc.lastPrompt(), "echo hello")
}

func TestCommand_ExplanationFailureKeepsOutput(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("offline")}
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), fc, Options{})

	out := c.Process(context.Background(), "run echo hello")
	assert.False(t, IsError(out))
	assert.Contains(t, out, "hello")
}

func TestCommand_RejectsUnsafeWithoutModel(t *testing.T) {
	fc := &fakeCompleter{answer: "should not be used"}
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), fc, Options{})

	out := c.Process(context.Background(), "ls; rm -rf /")
	assert.True(t, IsError(out))
	assert.Contains(t, out, "blocked")
	assert.Zero(t, fc.calls())
	assert.Equal(t, 2, c.Memory().Len())

	out = c.Process(context.Background(), "ls --recursive")
	assert.True(t, IsError(out))
	assert.Contains(t, out, "not allowed")
	assert.Zero(t, fc.calls())
}

func TestCommand_AsksModelWithAllowList(t *testing.T) {
	fc := &fakeCompleter{answer: "Try `ls -a`."}
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), fc, Options{})

	out := c.Process(context.Background(), "show me hidden files")
	assert.Equal(t, "Try `ls -a`.", out)
	prompt := fc.lastPrompt()
	assert.Contains(t, prompt, "ls")
	assert.Contains(t, prompt, "List directory contents")
	assert.Contains(t, prompt, "show me hidden files")
}

func TestCommand_ExecuteCommandPassthrough(t *testing.T) {
	c := NewCommand(tools.NewCommandExecutor(nil, 5*time.Second, "", nil), nil, Options{})
	res := c.ExecuteCommand(context.Background(), "rm -rf /")
	assert.True(t, res.Failed())
	assert.Equal(t, tools.ErrorKindValidation, res.Kind)
}

func TestKnowledge_UsesRetrievedDocuments(t *testing.T) {
	kb := newKB(t)
	fc := &fakeCompleter{answer: "Paris."}
	k := NewKnowledge(kb, fc, 3, Options{})

	ids := k.AddDocuments(context.Background(), []string{
		"The capital of France is Paris.",
		"Go was designed at Google.",
	})
	require.Len(t, ids, 2)

	assert.True(t, k.Accepts("anything at all"))
	out := k.Process(context.Background(), "What is the capital of France?")
	assert.Equal(t, "Paris.", out)
	assert.Contains(t, fc.lastPrompt(), "Document 1:\nThe capital of France is Paris.")

	results := k.RelevantDocuments(context.Background(), "Google", 1)
	require.Len(t, results, 1)
	assert.Equal(t, ids[1], results[0].ID)

	stats := k.KnowledgeStats(context.Background())
	assert.Equal(t, 2, stats.Count)
}

func TestKnowledge_EmptyStore(t *testing.T) {
	fc := &fakeCompleter{answer: "I don't know."}
	k := NewKnowledge(newKB(t), fc, 0, Options{})

	out := k.Process(context.Background(), "anything?")
	assert.Equal(t, "I don't know.", out)
	assert.Contains(t, fc.lastPrompt(), noKnowledge)
}

func TestWeb_Accepts(t *testing.T) {
	w := NewWeb(tools.NewBrowser(nil, time.Second, nil), nil, Options{})
	assert.True(t, w.Accepts("https://example.com"))
	assert.True(t, w.Accepts("summarize http://example.com/page please"))
	assert.True(t, w.Accepts("search golang generics"))
	assert.True(t, w.Accepts("Look up the weather"))
	assert.False(t, w.Accepts("ls -l"))
	assert.False(t, w.Accepts("what is research"))
}

func TestWeb_FetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Example Domain</title></head><body><p>Illustrative text.</p></body></html>`))
	}))
	defer srv.Close()

	fc := &fakeCompleter{answer: "A placeholder page."}
	w := NewWeb(tools.NewBrowser(srv.Client(), time.Second, nil), fc, Options{})

	out := w.Process(context.Background(), "what is on "+srv.URL+"?")
	assert.Equal(t, "A placeholder page.", out)
	assert.Contains(t, fc.lastPrompt(), "Example Domain")
	assert.Contains(t, fc.lastPrompt(), "Illustrative text.")

	res := w.BrowseURL(context.Background(), srv.URL)
	assert.False(t, res.Failed())
	assert.Equal(t, "Example Domain", res.Title)
}

func TestWeb_FailureSkipsModel(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	fc := &fakeCompleter{answer: "unused"}
	w := NewWeb(tools.NewBrowser(srv.Client(), time.Second, nil), fc, Options{})

	out := w.Process(context.Background(), srv.URL+"/missing")
	assert.True(t, IsError(out))
	assert.Contains(t, out, "404")
	assert.Zero(t, fc.calls())
}

func TestWeb_SearchNotImplemented(t *testing.T) {
	fc := &fakeCompleter{answer: "unused"}
	w := NewWeb(tools.NewBrowser(nil, time.Second, nil), fc, Options{})

	out := w.Process(context.Background(), "search for golang")
	assert.True(t, IsError(out))
	assert.Contains(t, out, "search not implemented")
	assert.Zero(t, fc.calls())

	res := w.SearchWeb(context.Background(), "golang")
	assert.True(t, res.NotImplemented)
	assert.Equal(t, "golang", res.Query)
}

func TestSearchQuery(t *testing.T) {
	q, ok := searchQuery("Search for cheap flights")
	assert.True(t, ok)
	assert.Equal(t, "cheap flights", q)

	q, ok = searchQuery("cheap flights")
	assert.False(t, ok)
	assert.Equal(t, "cheap flights", q)
}

func TestStripCommandPrefix(t *testing.T) {
	assert.Equal(t, "ls -l", stripCommandPrefix("run ls -l"))
	assert.Equal(t, "echo hi", stripCommandPrefix("  Exec echo hi "))
	assert.Equal(t, "pwd", stripCommandPrefix("pwd"))
	assert.True(t, strings.HasPrefix(programName("ls;rm"), "ls"))
}
