// Package sdk implements the tool registry: a lazy-loading catalog of
// named clients (connectors to external services) with secret resolution
// and action dispatch by dotted path. Every outbound call goes through the
// reliability wrapper.
package sdk

import (
	"context"
	"strings"
)

// Config declares a tool as authored in a workflow document.
type Config struct {
	// SDK is the connector identifier, resolved through the alias map.
	SDK string `yaml:"sdk" json:"sdk"`
	// Auth values may be literal strings or secret references.
	Auth map[string]string `yaml:"auth,omitempty" json:"auth,omitempty"`
	// Options carries connector-specific settings (MCP command, URL, ...).
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// Client is a live connector. Dynamic property dispatch from the source
// design collapses into a single explicit entry point: the remaining
// dotted path after the tool name selects the operation.
type Client interface {
	CallAction(ctx context.Context, path string, inputs map[string]any) (any, error)
}

// Closer is implemented by clients holding connections.
type Closer interface {
	Close() error
}

// Initializer turns a tool config into a live client. Integrations
// register one per SDK name.
type Initializer struct {
	Name        string
	Description string
	// Validate returns human-readable problems with the config, or nil.
	Validate func(cfg Config) []string
	// Initialize builds the client. Auth has secret references resolved
	// by the time it is called.
	Initialize func(ctx context.Context, cfg Config) (Client, error)
}

// sdkAliases maps authored package names to their canonical SDK name, so
// documents written against well-known service names keep working.
var sdkAliases = map[string]string{
	"google-gmail":    "googleapis",
	"google-sheets":   "googleapis",
	"google-drive":    "googleapis",
	"google-calendar": "googleapis",
	"slack-web":       "slack",
	"github-rest":     "github",
}

// canonicalSDK applies the alias map.
func canonicalSDK(name string) string {
	if alias, ok := sdkAliases[name]; ok {
		return alias
	}
	return name
}

// SplitAction separates an action string at its first dot into the tool
// name and the remaining method path.
func SplitAction(action string) (tool, path string) {
	if i := strings.Index(action, "."); i >= 0 {
		return action[:i], action[i+1:]
	}
	return action, ""
}
