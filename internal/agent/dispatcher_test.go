package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smolitux/smolit/internal/bus"
	"github.com/smolitux/smolit/internal/expert"
	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/tools"
)

type fakeHandler struct {
	name        string
	accepts     func(string) bool
	response    string
	mem         *session.Memory
	calls       atomic.Int32
	started     chan struct{}
	release     chan struct{}
	panicOnRun  bool
	panicOnRead bool
}

func newFake(name, response string) *fakeHandler {
	return &fakeHandler{name: name, response: response, mem: session.NewMemory(name, 0)}
}

func (f *fakeHandler) Name() string { return f.name }

func (f *fakeHandler) Accepts(input string) bool {
	if f.accepts == nil {
		return false
	}
	return f.accepts(input)
}

func (f *fakeHandler) Process(ctx context.Context, input string) string {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panicOnRun {
		panic("handler exploded")
	}
	f.mem.Add(session.RoleUser, input)
	f.mem.Add(session.RoleAssistant, f.response)
	return f.response
}

func (f *fakeHandler) Memory() *session.Memory {
	if f.panicOnRead {
		panic("memory unavailable")
	}
	return f.mem
}

type scriptedClassifier struct {
	answer string
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (s *scriptedClassifier) Complete(ctx context.Context, prompt string, history []provider.Message) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.answer, s.err
}

type recordingObserver struct {
	mu     sync.Mutex
	events []bus.TurnEvent
}

func (r *recordingObserver) ObserveTurn(_ context.Context, ev bus.TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) all() []bus.TurnEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.TurnEvent(nil), r.events...)
}

func newTestDispatcher(t *testing.T, opts DispatcherOptions, handlers ...expert.Handler) *Dispatcher {
	t.Helper()
	d := NewDispatcher(opts)
	for _, h := range handlers {
		require.NoError(t, d.AddExpert(h.Name(), h))
	}
	return d
}

func TestDispatcher_NoExperts(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(DispatcherOptions{})
	out := d.Process(context.Background(), "hello")
	assert.Equal(t, "Error: no experts registered", out)
	assert.True(t, IsErrorResponse(out))
	assert.Equal(t, StateIdle, d.State())

	_, _, err := d.Route(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoExperts)
}

func TestDispatcher_RoutingOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	knowledge := newFake(expert.NameKnowledge, "from knowledge")
	knowledge.accepts = func(string) bool { return true }
	web := newFake(expert.NameWeb, "from web")
	command := newFake(expert.NameCommand, "from command")
	command.accepts = func(in string) bool { return strings.HasPrefix(in, "ls") }
	classifier := &scriptedClassifier{answer: "I think WEB is best."}

	d := newTestDispatcher(t, DispatcherOptions{Classifier: classifier}, knowledge, web, command)
	ctx := context.Background()

	tests := []struct {
		input  string
		expert string
		reason RouteReason
	}{
		{"search golang", expert.NameWeb, RouteTrigger},
		{"Run ls", expert.NameCommand, RouteTrigger},
		{"https://example.test/page", expert.NameWeb, RouteTrigger},
		{"ls -l", expert.NameCommand, RoutePredicate},
		{"what's new in go?", expert.NameWeb, RouteModel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			name, reason, err := d.Route(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expert, name)
			assert.Equal(t, tt.reason, reason)
		})
	}

	// The default's own predicate never short-circuits classification.
	assert.Equal(t, int32(1), classifier.calls.Load())
}

func TestDispatcher_DeterministicFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name       string
		classifier provider.Completer
	}{
		{"no classifier", nil},
		{"unknown answer", &scriptedClassifier{answer: "astrology"}},
		{"empty answer", &scriptedClassifier{answer: ""}},
		{"classifier error", &scriptedClassifier{err: errors.New("model offline")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			knowledge := newFake(expert.NameKnowledge, "fallback answer")
			web := newFake(expert.NameWeb, "web answer")
			d := newTestDispatcher(t, DispatcherOptions{Classifier: tt.classifier}, web, knowledge)

			for i := 0; i < 3; i++ {
				turn := d.ProcessTurn(context.Background(), Request{Input: "tell me something"})
				assert.Equal(t, expert.NameKnowledge, turn.Expert)
				assert.Equal(t, RouteFallback, turn.Reason)
				assert.Equal(t, "fallback answer", turn.Response)
				assert.False(t, turn.IsError)
			}
			assert.Equal(t, int32(3), knowledge.calls.Load())
			assert.Zero(t, web.calls.Load())
		})
	}
}

func TestDispatcher_ClassifyTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	classifier := &scriptedClassifier{answer: "web", delay: time.Second}
	knowledge := newFake(expert.NameKnowledge, "k")
	web := newFake(expert.NameWeb, "w")
	d := newTestDispatcher(t, DispatcherOptions{Classifier: classifier, ClassifyTimeout: 50 * time.Millisecond}, knowledge, web)

	start := time.Now()
	turn := d.ProcessTurn(context.Background(), Request{Input: "anything"})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, RouteFallback, turn.Reason)
	assert.Equal(t, expert.NameKnowledge, turn.Expert)
}

func TestDispatcher_FallbackToFirstWhenDefaultMissing(t *testing.T) {
	first := newFake("alpha", "alpha says")
	second := newFake("beta", "beta says")
	d := newTestDispatcher(t, DispatcherOptions{DefaultExpert: "missing"}, first, second)

	turn := d.ProcessTurn(context.Background(), Request{Input: "hi"})
	assert.Equal(t, "alpha", turn.Expert)
	assert.Equal(t, RouteFallback, turn.Reason)
}

func TestParseExpertName(t *testing.T) {
	names := []string{"knowledge", "web", "command"}
	assert.Equal(t, "web", ParseExpertName("Web", names))
	assert.Equal(t, "command", ParseExpertName("command, maybe web", names))
	assert.Equal(t, "knowledge", ParseExpertName("The KNOWLEDGE expert, not web.", names))
	assert.Equal(t, "", ParseExpertName("none of them", names))
	assert.Equal(t, "webhook", ParseExpertName("webhook", []string{"web", "webhook"}))
}

func TestParseExpertName_WholeWordsOnly(t *testing.T) {
	names := []string{"knowledge", "web", "command"}
	assert.Equal(t, "", ParseExpertName("Check the website", names))
	assert.Equal(t, "", ParseExpertName("a webhook handles it", names))
	assert.Equal(t, "knowledge", ParseExpertName("not a website question, use knowledge", names))
	assert.Equal(t, "command", ParseExpertName("commands? no: command.", names))
	assert.Equal(t, "web", ParseExpertName("**web**", names))
}

func TestDispatcher_ClassifierMentioningWebsiteFallsBack(t *testing.T) {
	knowledge := newFake(expert.NameKnowledge, "from knowledge")
	web := newFake(expert.NameWeb, "from web")
	d := newTestDispatcher(t, DispatcherOptions{Classifier: &scriptedClassifier{answer: "This looks like a website question"}}, knowledge, web)

	turn := d.ProcessTurn(context.Background(), Request{Input: "what is a good recipe"})
	assert.Equal(t, expert.NameKnowledge, turn.Expert)
	assert.Equal(t, RouteFallback, turn.Reason)
	assert.Zero(t, web.calls.Load())
}

func TestDispatcher_SessionAndObservers(t *testing.T) {
	defer goleak.VerifyNone(t)

	obs := &recordingObserver{}
	knowledge := newFake(expert.NameKnowledge, "answer")
	d := newTestDispatcher(t, DispatcherOptions{Observers: []TurnObserver{obs}}, knowledge)

	out := d.Process(context.Background(), "question")
	assert.Equal(t, "answer", out)

	turns := d.Memory(DefaultSessionKey).Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, "question", turns[0].Text)
	assert.Equal(t, "answer", turns[1].Text)

	events := obs.all()
	require.Len(t, events, 1)
	assert.Equal(t, expert.NameKnowledge, events[0].Expert)
	assert.Equal(t, string(RouteFallback), events[0].Reason)
	assert.Equal(t, DefaultSessionKey, events[0].SessionKey)
	assert.NotEmpty(t, events[0].ID)

	// Separate sessions keep separate transcripts.
	d.ProcessTurn(context.Background(), Request{Input: "other", SessionKey: "slack:C1", Channel: "slack"})
	assert.Equal(t, 2, d.Memory("slack:C1").Len())
	assert.Equal(t, 2, d.Memory(DefaultSessionKey).Len())
}

func TestDispatcher_PersistsSessions(t *testing.T) {
	dir := t.TempDir()
	mgr, err := session.NewManager(dir, 10)
	require.NoError(t, err)

	d := newTestDispatcher(t, DispatcherOptions{Sessions: mgr}, newFake(expert.NameKnowledge, "stored"))
	d.Process(context.Background(), "remember me")

	infos := mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, DefaultSessionKey, infos[0].Key)

	reloaded, err := session.NewManager(dir, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.GetOrCreate(DefaultSessionKey).Len())
}

func TestDispatcher_HandlerPanicRecovered(t *testing.T) {
	defer goleak.VerifyNone(t)

	obs := &recordingObserver{}
	bad := newFake(expert.NameKnowledge, "")
	bad.panicOnRun = true
	d := newTestDispatcher(t, DispatcherOptions{Observers: []TurnObserver{obs}}, bad)

	out := d.Process(context.Background(), "boom")
	assert.True(t, IsErrorResponse(out))
	assert.Contains(t, out, "handler exploded")
	assert.Equal(t, 2, d.Memory(DefaultSessionKey).Len())
	require.Len(t, obs.all(), 1)
	assert.True(t, obs.all()[0].IsError)
}

func TestDispatcher_ObserverPanicIgnored(t *testing.T) {
	d := newTestDispatcher(t, DispatcherOptions{Observers: []TurnObserver{panicObserver{}}}, newFake(expert.NameKnowledge, "fine"))
	assert.Equal(t, "fine", d.Process(context.Background(), "x"))
}

type panicObserver struct{}

func (panicObserver) ObserveTurn(context.Context, bus.TurnEvent) { panic("observer") }

func TestDispatcher_RegistryManagement(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{})
	require.Error(t, d.AddExpert("", newFake("x", "")))
	require.Error(t, d.AddExpert("x", nil))

	require.NoError(t, d.AddExpert("a", newFake("a", "1")))
	require.NoError(t, d.AddExpert("b", newFake("b", "2")))
	require.NoError(t, d.AddExpert("a", newFake("a", "3")))
	assert.Equal(t, []string{"a", "b"}, d.Experts())

	assert.True(t, d.RemoveExpert("a"))
	assert.False(t, d.RemoveExpert("a"))
	assert.Equal(t, []string{"b"}, d.Experts())
}

func TestDispatcher_RemoveDuringTurnUsesSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := newFake(expert.NameKnowledge, "finished")
	slow.started = make(chan struct{})
	slow.release = make(chan struct{})
	d := newTestDispatcher(t, DispatcherOptions{}, slow)

	done := make(chan string, 1)
	go func() { done <- d.Process(context.Background(), "long question") }()

	<-slow.started
	assert.Equal(t, StateInvoking, d.State())
	assert.True(t, d.RemoveExpert(expert.NameKnowledge))
	close(slow.release)

	assert.Equal(t, "finished", <-done)
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, "Error: no experts registered", d.Process(context.Background(), "again"))
}

func TestDispatcher_ConcurrentTurns(t *testing.T) {
	defer goleak.VerifyNone(t)

	knowledge := newFake(expert.NameKnowledge, "ok")
	d := newTestDispatcher(t, DispatcherOptions{MaxTurns: 1000}, knowledge)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "ok", d.Process(context.Background(), "q"))
		}()
	}
	for i := 0; i < 5; i++ {
		_ = d.AddExpert("extra", newFake("extra", "x"))
		d.RemoveExpert("extra")
	}
	wg.Wait()
	assert.Equal(t, 40, d.Memory(DefaultSessionKey).Len())
}

func TestDispatcher_Status(t *testing.T) {
	good := newFake(expert.NameKnowledge, "ok")
	good.mem.Add(session.RoleUser, "earlier")
	broken := newFake("broken", "")
	broken.panicOnRead = true
	d := newTestDispatcher(t, DispatcherOptions{}, good, broken)

	status := d.Status(context.Background())
	require.Len(t, status, 2)
	assert.True(t, status[expert.NameKnowledge].Available)
	require.Len(t, status[expert.NameKnowledge].Memory, 1)
	assert.Equal(t, "earlier", status[expert.NameKnowledge].Memory[0].Text)
	assert.False(t, status["broken"].Available)
	assert.Contains(t, status["broken"].Error, "memory unavailable")
}

func TestDispatcher_ProcessAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFake("a", "A")
	b := newFake("b", "B")
	bad := newFake("bad", "")
	bad.panicOnRun = true
	d := newTestDispatcher(t, DispatcherOptions{MaxParallel: 2}, a, b, bad)

	out := d.ProcessAll(context.Background(), "hi", nil)
	assert.Equal(t, "A", out["a"])
	assert.Equal(t, "B", out["b"])
	assert.True(t, IsErrorResponse(out["bad"]))

	out = d.ProcessAll(context.Background(), "hi", []string{"a", "ghost"})
	assert.Equal(t, "A", out["a"])
	assert.Equal(t, `Error: unknown expert "ghost"`, out["ghost"])

	// Fan-out leaves the dispatcher session alone.
	assert.Zero(t, d.Memory(DefaultSessionKey).Len())
}

func TestDispatcher_CapabilityMissing(t *testing.T) {
	d := newTestDispatcher(t, DispatcherOptions{}, newFake(expert.NameKnowledge, ""))
	ctx := context.Background()

	_, err := d.ExecuteCommand(ctx, "ls")
	assert.ErrorIs(t, err, ErrCapabilityMissing)
	_, err = d.BrowseURL(ctx, "https://example.test")
	assert.ErrorIs(t, err, ErrCapabilityMissing)
	_, err = d.SearchWeb(ctx, "go")
	assert.ErrorIs(t, err, ErrCapabilityMissing)
	_, err = d.AddKnowledge(ctx, []string{"doc"})
	assert.ErrorIs(t, err, ErrCapabilityMissing)
	_, err = d.QueryKnowledge(ctx, "doc", 1)
	assert.ErrorIs(t, err, ErrCapabilityMissing)
	_, err = d.KnowledgeStats(ctx)
	assert.ErrorIs(t, err, ErrCapabilityMissing)
}

// End-to-end scenarios wiring the real command and web experts.

func newCommandExpert(t *testing.T, dir string) *expert.Command {
	t.Helper()
	exec := tools.NewCommandExecutor(nil, 5*time.Second, dir, nil)
	return expert.NewCommand(exec, &scriptedClassifier{answer: "Listed the directory."}, expert.Options{})
}

func TestScenario_ListDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("data"), 0o644))

	knowledge := newFake(expert.NameKnowledge, "k")
	d := newTestDispatcher(t, DispatcherOptions{}, knowledge, newCommandExpert(t, dir))

	turn := d.ProcessTurn(context.Background(), Request{Input: "ls -l"})
	assert.Equal(t, expert.NameCommand, turn.Expert)
	assert.False(t, turn.IsError, turn.Response)
	assert.Contains(t, turn.Response, "report.txt")

	res, err := d.ExecuteCommand(context.Background(), "ls -l")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Stdout)
}

func TestScenario_RejectsChainedCommand(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	knowledge := newFake(expert.NameKnowledge, "k")
	d := newTestDispatcher(t, DispatcherOptions{}, knowledge, newCommandExpert(t, dir))

	turn := d.ProcessTurn(context.Background(), Request{Input: "ls; rm -rf /"})
	assert.Equal(t, expert.NameCommand, turn.Expert)
	assert.True(t, turn.IsError)

	res, err := d.ExecuteCommand(context.Background(), "ls; touch "+marker)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, tools.ErrorKindValidation, res.Kind)
	assert.NoFileExists(t, marker)
}

func TestScenario_SentenceStartingWithProgramNameIsNotExecuted(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		reason RouteReason
	}{
		{"unclassified", "", RouteFallback},
		{"classified as knowledge", "knowledge", RouteModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			knowledge := newFake(expert.NameKnowledge, "from knowledge")
			d := newTestDispatcher(t, DispatcherOptions{Classifier: &scriptedClassifier{answer: tt.answer}}, knowledge, newCommandExpert(t, dir))

			for _, input := range []string{"find me a cheap pizza place nearby", "cat videos are funny, why?", "echo is a nice word"} {
				turn := d.ProcessTurn(context.Background(), Request{Input: input})
				assert.Equal(t, expert.NameKnowledge, turn.Expert, input)
				assert.Equal(t, tt.reason, turn.Reason, input)
				assert.Equal(t, "from knowledge", turn.Response)
				assert.NotContains(t, turn.Response, "$ ")
			}
			assert.Equal(t, int32(3), knowledge.calls.Load())
		})
	}
}

func TestScenario_BrowseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Test Page</title></head><body><p>Body text.</p></body></html>`))
	}))
	defer srv.Close()

	web := expert.NewWeb(tools.NewBrowser(srv.Client(), time.Second, nil), &scriptedClassifier{answer: "It is a test page."}, expert.Options{})
	d := newTestDispatcher(t, DispatcherOptions{}, newFake(expert.NameKnowledge, "k"), web)

	turn := d.ProcessTurn(context.Background(), Request{Input: srv.URL + "/page"})
	assert.Equal(t, expert.NameWeb, turn.Expert)
	assert.Equal(t, RouteTrigger, turn.Reason)
	assert.Equal(t, "It is a test page.", turn.Response)

	res, err := d.BrowseURL(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "Test Page", res.Title)
	assert.Contains(t, res.Text, "Body text.")

	res, err = d.BrowseURL(context.Background(), srv.URL+"/gone")
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestScenario_RemovedWebFallsBack(t *testing.T) {
	knowledge := newFake(expert.NameKnowledge, "from knowledge")
	web := newFake(expert.NameWeb, "from web")
	web.accepts = func(in string) bool { return strings.HasPrefix(in, "http") }
	d := newTestDispatcher(t, DispatcherOptions{Classifier: &scriptedClassifier{answer: "web"}}, knowledge, web)

	require.True(t, d.RemoveExpert(expert.NameWeb))

	turn := d.ProcessTurn(context.Background(), Request{Input: "http://example.test/page"})
	assert.Equal(t, expert.NameKnowledge, turn.Expert)
	assert.Equal(t, RouteFallback, turn.Reason)
	assert.Equal(t, "from knowledge", turn.Response)
	assert.Zero(t, web.calls.Load())
}
