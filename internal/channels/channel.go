// Package channels connects chat platforms to the dispatcher.
package channels

import (
	"context"

	"github.com/smolitux/smolit/internal/agent"
)

// Channel defines the interface for chat platforms.
type Channel interface {
	// Name returns the channel name (e.g. "slack").
	Name() string
	// Start starts the channel listener. It returns once the listener runs.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
}

// TurnProcessor runs one turn of input. *agent.Dispatcher implements it.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req agent.Request) agent.Turn
}

func agentRequest(input, channelID string) agent.Request {
	return agent.Request{Input: input, SessionKey: "slack:" + channelID, Channel: "slack"}
}
