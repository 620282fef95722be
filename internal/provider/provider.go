// Package provider defines the two external collaborator interfaces the
// Controller consumes to gate model selection (Registry, APIKeyResolver),
// plus a small static in-memory implementation good enough
// for the programmatic factory's defaulting logic and for tests.
//
// This is a deliberately trimmed stand-in for the teacher's embedded
// pricing/context-window model database: the core only needs a yes/no gate
// plus id/api resolution, not a full catalog.
package provider

import "os"

// Model describes one selectable model.
type Model struct {
	API     string
	ID      string
	Name    string
	Context int
	Output  int
}

// Registry resolves models by (api, id) and lists what's available, used to
// restore a model from a session and for factory defaulting.
type Registry interface {
	GetModel(api, id string) (Model, bool)
	GetAvailableModels() []Model
}

// APIKeyResolver is a yes/no gate the Controller uses before accepting a
// model: does an API key exist for this provider family.
type APIKeyResolver interface {
	GetAPIKeyFromEnv(api string) (string, bool)
}

// providerEnvVars mirrors the teacher's per-provider environment variable
// table, trimmed to the three families this module's tests exercise.
var providerEnvVars = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// EnvKeyResolver resolves API keys from environment variables, one per
// provider family.
type EnvKeyResolver struct{}

// GetAPIKeyFromEnv implements APIKeyResolver.
func (EnvKeyResolver) GetAPIKeyFromEnv(api string) (string, bool) {
	envVar, ok := providerEnvVars[api]
	if !ok {
		return "", false
	}
	v := os.Getenv(envVar)
	if v == "" {
		return "", false
	}
	return v, true
}

// StaticRegistry is a small in-memory Registry seeded at construction time,
// used by tests and by the factory when no richer registry is supplied.
type StaticRegistry struct {
	models []Model
}

// NewStaticRegistry builds a registry seeded with a small built-in table
// (Anthropic, OpenAI, Google) plus any caller-supplied models.
func NewStaticRegistry(extra ...Model) *StaticRegistry {
	models := append([]Model{
		{API: "anthropic", ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Context: 200000, Output: 64000},
		{API: "openai", ID: "gpt-5", Name: "GPT-5", Context: 272000, Output: 128000},
		{API: "google", ID: "gemini-3-flash", Name: "Gemini 3 Flash", Context: 1000000, Output: 65536},
	}, extra...)
	return &StaticRegistry{models: models}
}

// GetModel implements Registry.
func (r *StaticRegistry) GetModel(api, id string) (Model, bool) {
	for _, m := range r.models {
		if m.API == api && m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// GetAvailableModels implements Registry.
func (r *StaticRegistry) GetAvailableModels() []Model {
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}
