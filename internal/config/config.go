// Package config provides configuration types and loading for smolit.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Endpoint types understood by the provider package.
const (
	EndpointTypeOpenAI = "openai"
	EndpointTypeLlama  = "llama"
)

// ErrUnknownEndpoint is returned when an endpoint name is not configured.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Config is the root configuration struct.
type Config struct {
	Paths          PathsConfig         `json:"paths"`
	Model          ModelConfig         `json:"model"`
	Endpoints      map[string]Endpoint `json:"endpoints"`
	ActiveEndpoint string              `json:"activeEndpoint"`
	Dispatcher     DispatcherConfig    `json:"dispatcher"`
	Tools          ToolsConfig         `json:"tools"`
	Knowledge      KnowledgeConfig     `json:"knowledge"`
	Session        SessionConfig       `json:"session"`
	Timeline       TimelineConfig      `json:"timeline"`
	Bus            BusConfig           `json:"bus"`
	Channels       ChannelsConfig      `json:"channels"`
	ModelServer    ModelServerConfig   `json:"modelServer"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	WorkDir string `json:"workDir" envconfig:"WORK_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour and endpoints
// ---------------------------------------------------------------------------

// ModelConfig groups completion settings shared by all endpoints.
type ModelConfig struct {
	MaxTokens   int           `json:"maxTokens" envconfig:"MODEL_MAX_TOKENS"`
	Temperature float64       `json:"temperature" envconfig:"MODEL_TEMPERATURE"`
	Timeout     time.Duration `json:"timeout" envconfig:"MODEL_TIMEOUT"`
}

// Endpoint is one configured language-model backend.
type Endpoint struct {
	Name    string `json:"name"`
	APIBase string `json:"apiBase"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
	Type    string `json:"type"`
}

// ---------------------------------------------------------------------------
// Dispatcher – routing
// ---------------------------------------------------------------------------

// DispatcherConfig controls how input is routed to experts.
type DispatcherConfig struct {
	DefaultExpert   string        `json:"defaultExpert" envconfig:"DISPATCHER_DEFAULT_EXPERT"`
	ClassifyTimeout time.Duration `json:"classifyTimeout" envconfig:"DISPATCHER_CLASSIFY_TIMEOUT"`
	MaxParallel     int           `json:"maxParallel" envconfig:"DISPATCHER_MAX_PARALLEL"`
	Triggers        []Trigger     `json:"triggers" ignored:"true"`
}

// Trigger routes input starting with Prefix straight to Expert.
type Trigger struct {
	Prefix string `json:"prefix"`
	Expert string `json:"expert"`
}

// ---------------------------------------------------------------------------
// Tools – gateway behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains gateway settings.
type ToolsConfig struct {
	Exec ExecToolConfig `json:"exec"`
	Web  WebToolConfig  `json:"web"`
}

// ExecToolConfig contains command executor settings.
type ExecToolConfig struct {
	Timeout       time.Duration  `json:"timeout" envconfig:"EXEC_TIMEOUT"`
	AllowListFile string         `json:"allowListFile,omitempty" envconfig:"EXEC_ALLOW_LIST_FILE"`
	AllowList     []AllowedEntry `json:"allowList,omitempty" ignored:"true"`
}

// AllowedEntry is an allow-list entry as written in the config file.
type AllowedEntry struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AllowedFlags []string `json:"allowedFlags"`
}

// WebToolConfig contains web fetch settings.
type WebToolConfig struct {
	Timeout   time.Duration `json:"timeout" envconfig:"WEB_TIMEOUT"`
	MaxLinks  int           `json:"maxLinks" envconfig:"WEB_MAX_LINKS"`
	UserAgent string        `json:"userAgent,omitempty" envconfig:"WEB_USER_AGENT"`
}

// ---------------------------------------------------------------------------
// Knowledge, session and journal storage
// ---------------------------------------------------------------------------

// KnowledgeConfig configures the document store.
type KnowledgeConfig struct {
	Path           string `json:"path" envconfig:"KNOWLEDGE_PATH"`
	Collection     string `json:"collection" envconfig:"KNOWLEDGE_COLLECTION"`
	Embeddings     bool   `json:"embeddings" envconfig:"KNOWLEDGE_EMBEDDINGS"`
	EmbeddingModel string `json:"embeddingModel,omitempty" envconfig:"KNOWLEDGE_EMBEDDING_MODEL"`
	QueryLimit     int    `json:"queryLimit" envconfig:"KNOWLEDGE_QUERY_LIMIT"`
}

// SessionConfig configures conversation memory.
type SessionConfig struct {
	MaxTurns int    `json:"maxTurns" envconfig:"SESSION_MAX_TURNS"`
	Dir      string `json:"dir" envconfig:"SESSION_DIR"`
}

// TimelineConfig configures the SQLite turn journal.
type TimelineConfig struct {
	Enabled bool   `json:"enabled" envconfig:"TIMELINE_ENABLED"`
	Path    string `json:"path" envconfig:"TIMELINE_PATH"`
}

// BusConfig configures turn-event publishing to Kafka.
type BusConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"BUS_ENABLED"`
	KafkaBrokers string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	Topic        string `json:"topic" envconfig:"BUS_TOPIC"`
}

// ---------------------------------------------------------------------------
// Channels – alternate front ends
// ---------------------------------------------------------------------------

// ChannelsConfig contains channel configurations.
type ChannelsConfig struct {
	Slack SlackConfig `json:"slack"`
}

// SlackConfig configures the Slack socket-mode channel.
type SlackConfig struct {
	Enabled   bool     `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotToken  string   `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	AppToken  string   `json:"appToken" envconfig:"SLACK_APP_TOKEN"`
	AllowFrom []string `json:"allowFrom" envconfig:"SLACK_ALLOW_FROM"`
}

// ---------------------------------------------------------------------------
// ModelServer – local inference runtime
// ---------------------------------------------------------------------------

// ModelServerConfig describes how to launch a local inference server.
type ModelServerConfig struct {
	Command      string        `json:"command" envconfig:"MODELSERVER_COMMAND"`
	Args         []string      `json:"args" envconfig:"MODELSERVER_ARGS"`
	WorkDir      string        `json:"workDir,omitempty" envconfig:"MODELSERVER_WORK_DIR"`
	HealthURL    string        `json:"healthUrl" envconfig:"MODELSERVER_HEALTH_URL"`
	StartTimeout time.Duration `json:"startTimeout" envconfig:"MODELSERVER_START_TIMEOUT"`
	PollInterval time.Duration `json:"pollInterval" envconfig:"MODELSERVER_POLL_INTERVAL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.smolit",
		},
		Model: ModelConfig{
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     120 * time.Second,
		},
		Endpoints: map[string]Endpoint{
			"lm_studio": {
				Name:    "lm_studio",
				APIBase: "http://localhost:1234/v1",
				APIKey:  "not-needed",
				Model:   "local-model",
				Type:    EndpointTypeOpenAI,
			},
			"llama": {
				Name:    "llama",
				APIBase: "http://localhost:8080",
				Type:    EndpointTypeLlama,
			},
		},
		ActiveEndpoint: "lm_studio",
		Dispatcher: DispatcherConfig{
			DefaultExpert:   "knowledge",
			ClassifyTimeout: 30 * time.Second,
			MaxParallel:     3,
			Triggers: []Trigger{
				{Prefix: "search ", Expert: "web"},
				{Prefix: "google ", Expert: "web"},
				{Prefix: "run ", Expert: "command"},
				{Prefix: "exec ", Expert: "command"},
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Timeout: 30 * time.Second,
			},
			Web: WebToolConfig{
				Timeout:  10 * time.Second,
				MaxLinks: 10,
			},
		},
		Knowledge: KnowledgeConfig{
			Path:       "~/.smolit/knowledge.db",
			Collection: "knowledge_base",
			QueryLimit: 3,
		},
		Session: SessionConfig{
			MaxTurns: 50,
			Dir:      "~/.smolit/sessions",
		},
		Timeline: TimelineConfig{
			Enabled: true,
			Path:    "~/.smolit/timeline.db",
		},
		Bus: BusConfig{
			Topic: "smolit.turns",
		},
		ModelServer: ModelServerConfig{
			Command:      "llama-server",
			Args:         []string{"--port", "8080"},
			HealthURL:    "http://localhost:8080/health",
			StartTimeout: 30 * time.Second,
			PollInterval: 2 * time.Second,
		},
	}
}

// Endpoint returns the named endpoint.
func (c *Config) Endpoint(name string) (Endpoint, bool) {
	e, ok := c.Endpoints[name]
	if ok && e.Name == "" {
		e.Name = name
	}
	return e, ok
}

// Active returns the active endpoint.
func (c *Config) Active() (Endpoint, error) {
	e, ok := c.Endpoint(c.ActiveEndpoint)
	if !ok {
		return Endpoint{}, fmt.Errorf("active endpoint %q: %w", c.ActiveEndpoint, ErrUnknownEndpoint)
	}
	return e, nil
}

// EndpointNames returns configured endpoint names in sorted order.
func (c *Config) EndpointNames() []string {
	names := make([]string, 0, len(c.Endpoints))
	for name := range c.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetActiveEndpoint switches the active endpoint.
func (c *Config) SetActiveEndpoint(name string) error {
	if _, ok := c.Endpoints[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownEndpoint)
	}
	c.ActiveEndpoint = name
	return nil
}

// AddEndpoint adds or replaces an endpoint.
func (c *Config) AddEndpoint(e Endpoint) error {
	e.Name = strings.TrimSpace(e.Name)
	e.APIBase = strings.TrimSpace(e.APIBase)
	if e.Name == "" {
		return errors.New("endpoint name is required")
	}
	if e.APIBase == "" {
		return fmt.Errorf("endpoint %q: apiBase is required", e.Name)
	}
	switch strings.ToLower(e.Type) {
	case "", EndpointTypeOpenAI:
		e.Type = EndpointTypeOpenAI
	case EndpointTypeLlama:
		e.Type = EndpointTypeLlama
	default:
		return fmt.Errorf("endpoint %q: unsupported type %q", e.Name, e.Type)
	}
	if c.Endpoints == nil {
		c.Endpoints = map[string]Endpoint{}
	}
	c.Endpoints[e.Name] = e
	if c.ActiveEndpoint == "" {
		c.ActiveEndpoint = e.Name
	}
	return nil
}

// RemoveEndpoint deletes an endpoint. Removing the active endpoint makes the
// first remaining one (by name) active.
func (c *Config) RemoveEndpoint(name string) error {
	if _, ok := c.Endpoints[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownEndpoint)
	}
	delete(c.Endpoints, name)
	if c.ActiveEndpoint == name {
		c.ActiveEndpoint = ""
		if names := c.EndpointNames(); len(names) > 0 {
			c.ActiveEndpoint = names[0]
		}
	}
	return nil
}
