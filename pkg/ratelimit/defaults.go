package ratelimit

import "time"

// knownDefaults pre-seeds conservative limits for well-known services.
// Configure replaces these with user overrides.
var knownDefaults = map[string]Config{
	"slack":    {MaxRequests: 50, Window: time.Minute, Strategy: StrategyQueue},
	"github":   {MaxRequests: 5000, Window: time.Hour, Strategy: StrategyQueue},
	"gmail":    {MaxRequests: 250, Window: time.Second, Strategy: StrategyQueue},
	"discord":  {MaxRequests: 50, Window: time.Second, Strategy: StrategyQueue},
	"notion":   {MaxRequests: 3, Window: time.Second, Strategy: StrategyQueue},
	"telegram": {MaxRequests: 30, Window: time.Second, Strategy: StrategyQueue},
	"openai":   {MaxRequests: 60, Window: time.Minute, Strategy: StrategyQueue},
	"jira":     {MaxRequests: 100, Window: time.Minute, Strategy: StrategyQueue},
	"airtable": {MaxRequests: 5, Window: time.Second, Strategy: StrategyQueue},
	"linear":   {MaxRequests: 1500, Window: time.Hour, Strategy: StrategyQueue},
}
