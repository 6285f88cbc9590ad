package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smolitux/smolit/internal/agent"
	"github.com/smolitux/smolit/internal/config"
)

type fakeProcessor struct {
	mu   sync.Mutex
	reqs []agent.Request
}

func (f *fakeProcessor) ProcessTurn(ctx context.Context, req agent.Request) agent.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return agent.Turn{Response: "echo: " + req.Input}
}

type fakePoster struct {
	mu       sync.Mutex
	channels []string
	calls    int
	errs     []error
}

func (f *fakePoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.channels = append(f.channels, channelID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", "", err
	}
	return channelID, "1700000000.000100", nil
}

func newTestSlack(cfg config.SlackConfig) (*SlackChannel, *fakeProcessor, *fakePoster) {
	proc := &fakeProcessor{}
	poster := &fakePoster{}
	c := NewSlackChannel(cfg, proc, nil)
	c.poster = poster
	return c, proc, poster
}

func TestSlack_HandleMessage(t *testing.T) {
	c, proc, poster := newTestSlack(config.SlackConfig{Enabled: true})

	err := c.HandleMessage(context.Background(), "U1", "C42", "1.0", "<@UBOT> ls -l")
	require.NoError(t, err)

	require.Len(t, proc.reqs, 1)
	assert.Equal(t, "ls -l", proc.reqs[0].Input)
	assert.Equal(t, "slack:C42", proc.reqs[0].SessionKey)
	assert.Equal(t, "slack", proc.reqs[0].Channel)
	assert.Equal(t, []string{"C42"}, poster.channels)
}

func TestSlack_IgnoresEmptyAndDisallowed(t *testing.T) {
	c, proc, poster := newTestSlack(config.SlackConfig{Enabled: true, AllowFrom: []string{"U1"}})

	require.NoError(t, c.HandleMessage(context.Background(), "U2", "C1", "", "hello"))
	require.NoError(t, c.HandleMessage(context.Background(), "U1", "C1", "", "<@UBOT>  "))
	assert.Empty(t, proc.reqs)
	assert.Zero(t, poster.calls)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", "C1", "", "hello"))
	assert.Len(t, proc.reqs, 1)
}

func TestSlack_RetriesRateLimit(t *testing.T) {
	c, _, poster := newTestSlack(config.SlackConfig{Enabled: true})
	poster.errs = []error{&slack.RateLimitedError{RetryAfter: time.Millisecond}}

	require.NoError(t, c.HandleMessage(context.Background(), "U1", "C1", "", "hi"))
	assert.Equal(t, 2, poster.calls)
}

func TestSlack_PermanentErrorNotRetried(t *testing.T) {
	c, _, poster := newTestSlack(config.SlackConfig{Enabled: true})
	poster.errs = []error{errors.New("channel_not_found")}

	err := c.HandleMessage(context.Background(), "U1", "C1", "", "hi")
	require.Error(t, err)
	assert.Equal(t, 1, poster.calls)
}

func TestSlack_StartDisabledOrMissingTokens(t *testing.T) {
	c := NewSlackChannel(config.SlackConfig{}, &fakeProcessor{}, nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())

	c = NewSlackChannel(config.SlackConfig{Enabled: true, BotToken: "xoxb-1"}, &fakeProcessor{}, nil)
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app token")

	c = NewSlackChannel(config.SlackConfig{Enabled: true}, &fakeProcessor{}, nil)
	assert.Error(t, c.Start(context.Background()))
}

func TestSlack_PostWithoutClient(t *testing.T) {
	c := NewSlackChannel(config.SlackConfig{Enabled: true}, &fakeProcessor{}, nil)
	err := c.HandleMessage(context.Background(), "U1", "C1", "", "hi")
	assert.Error(t, err)
}

func TestThreadOf(t *testing.T) {
	assert.Equal(t, "1.0", threadOf("1.0", "2.0"))
	assert.Equal(t, "2.0", threadOf("", "2.0"))
}
