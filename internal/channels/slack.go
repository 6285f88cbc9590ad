package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/smolitux/smolit/internal/config"
)

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// slackPoster is the part of *slack.Client used to reply.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackChannel answers Slack messages over socket mode. Every Slack channel
// gets its own dispatcher session.
type SlackChannel struct {
	config config.SlackConfig
	proc   TurnProcessor
	poster slackPoster
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlackChannel(cfg config.SlackConfig, proc TurnProcessor, logger *slog.Logger) *SlackChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackChannel{config: cfg, proc: proc, logger: logger}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	api, err := c.slackClient()
	if err != nil {
		return err
	}
	c.poster = api
	client := socketmode.New(api)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go c.consume(runCtx, client)
	go func() {
		defer close(done)
		if err := client.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("Slack socket mode stopped", "error", err)
		}
	}()
	c.logger.Info("Slack channel started")
	return nil
}

func (c *SlackChannel) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("slack channel did not stop in time")
	}
	return nil
}

func (c *SlackChannel) consume(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				client.Ack(*evt.Request)
			}
			ev, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || ev.Type != slackevents.CallbackEvent {
				continue
			}
			switch in := ev.InnerEvent.Data.(type) {
			case *slackevents.MessageEvent:
				if in == nil || in.BotID != "" || in.SubType != "" {
					continue
				}
				c.handleAsync(ctx, in.User, in.Channel, threadOf(in.ThreadTimeStamp, in.TimeStamp), in.Text)
			case *slackevents.AppMentionEvent:
				if in == nil {
					continue
				}
				c.handleAsync(ctx, in.User, in.Channel, threadOf(in.ThreadTimeStamp, in.TimeStamp), in.Text)
			}
		}
	}
}

func (c *SlackChannel) handleAsync(ctx context.Context, senderID, channelID, threadTS, text string) {
	go func() {
		if err := c.HandleMessage(ctx, senderID, channelID, threadTS, text); err != nil {
			c.logger.Warn("Slack reply failed", "channel", channelID, "error", err)
		}
	}()
}

// HandleMessage runs text through the dispatcher and replies in the thread.
// Senders outside AllowFrom are ignored when the list is set.
func (c *SlackChannel) HandleMessage(ctx context.Context, senderID, channelID, threadTS, text string) error {
	if !c.allowed(senderID) {
		c.logger.Debug("Slack sender not allowed", "sender", senderID)
		return nil
	}
	input := strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
	if input == "" {
		return nil
	}
	turn := c.proc.ProcessTurn(ctx, agentRequest(input, channelID))
	return c.post(ctx, channelID, threadTS, turn.Response)
}

func (c *SlackChannel) allowed(senderID string) bool {
	if len(c.config.AllowFrom) == 0 {
		return true
	}
	for _, id := range c.config.AllowFrom {
		if strings.EqualFold(strings.TrimSpace(id), strings.TrimSpace(senderID)) {
			return true
		}
	}
	return false
}

func (c *SlackChannel) post(ctx context.Context, channelID, threadTS, text string) error {
	if c.poster == nil {
		return errors.New("slack client not started")
	}
	return withRetry(3, 200*time.Millisecond, func() (bool, error) {
		opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if ts := strings.TrimSpace(threadTS); ts != "" {
			opts = append(opts, slack.MsgOptionTS(ts))
		}
		_, _, err := c.poster.PostMessageContext(ctx, channelID, opts...)
		return slackRetryDecision(err)
	})
}

func (c *SlackChannel) slackClient() (*slack.Client, error) {
	token := strings.TrimSpace(c.config.BotToken)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	appToken := strings.TrimSpace(c.config.AppToken)
	if appToken == "" {
		return nil, errors.New("missing slack app token")
	}
	return slack.New(token, slack.OptionAppLevelToken(appToken)), nil
}

func slackRetryDecision(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		if rle.RetryAfter > 0 {
			time.Sleep(rle.RetryAfter)
		}
		return true, err
	}
	return false, err
}

func withRetry(attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return lastErr
}

func threadOf(threadTS, ts string) string {
	if strings.TrimSpace(threadTS) != "" {
		return threadTS
	}
	return ts
}
