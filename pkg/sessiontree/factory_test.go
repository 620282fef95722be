package sessiontree

import (
	"testing"

	"github.com/mark3labs/sessiontree/internal/controller"
	"github.com/mark3labs/sessiontree/internal/provider"
)

func stubBuilder(built *[]ProviderTriple) ConversationBuilder {
	return func(p ProviderTriple, prompt SystemPrompt, tools []any, queueMode string) (Conversation, error) {
		*built = append(*built, p)
		return controller.NewStubConversation(), nil
	}
}

// alwaysKeys is a permissive APIKeyResolver test double so success-path
// factory tests never depend on real environment variables.
type alwaysKeys struct{}

func (alwaysKeys) GetAPIKeyFromEnv(api string) (string, bool) {
	if api == "no-such-provider" {
		return "", false
	}
	return "test-key", true
}

func TestNewPicksExplicitProvider(t *testing.T) {
	var built []ProviderTriple
	c, err := New(NewOptions{
		Cwd:      "/work/project",
		AgentDir: t.TempDir(),
		Provider: &ProviderTriple{API: "anthropic", ModelID: "claude-sonnet-4-5"},
		Keys:     alwaysKeys{},
		Build:    stubBuilder(&built),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c == nil {
		t.Fatal("expected a non-nil Controller")
	}
	if len(built) != 1 || built[0].API != "anthropic" || built[0].ModelID != "claude-sonnet-4-5" {
		t.Errorf("Build called with %+v, want the explicit provider", built)
	}
}

func TestNewFallsBackToFirstAvailableModel(t *testing.T) {
	var built []ProviderTriple
	c, err := New(NewOptions{
		Cwd:      "/work/project",
		AgentDir: t.TempDir(),
		Registry: provider.NewStaticRegistry(),
		Keys:     alwaysKeys{},
		Build:    stubBuilder(&built),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c == nil {
		t.Fatal("expected a non-nil Controller")
	}
	if len(built) != 1 {
		t.Fatalf("Build called %d times, want 1", len(built))
	}
}

func TestNewFailsWithNoModelsAvailable(t *testing.T) {
	var built []ProviderTriple
	_, err := New(NewOptions{
		Cwd:      "/work/project",
		AgentDir: t.TempDir(),
		Registry: emptyRegistry{},
		Build:    stubBuilder(&built),
	})
	if err == nil {
		t.Fatal("expected an error when the registry has no models and nothing else resolves a provider")
	}
	if !IsErrorKind(err, NoModelsAvailable) {
		t.Errorf("error kind = %v, want NoModelsAvailable", err)
	}
}

func TestNewFailsWithAuthMissingWhenNoKey(t *testing.T) {
	var built []ProviderTriple
	_, err := New(NewOptions{
		Cwd:      "/work/project",
		AgentDir: t.TempDir(),
		Provider: &ProviderTriple{API: "no-such-provider", ModelID: "x"},
		Build:    stubBuilder(&built),
	})
	if err == nil {
		t.Fatal("expected an error when no API key resolves for the chosen provider")
	}
	if !IsErrorKind(err, AuthMissing) {
		t.Errorf("error kind = %v, want AuthMissing", err)
	}
}

func TestNewRequiresBuilder(t *testing.T) {
	_, err := New(NewOptions{Cwd: "/work/project", AgentDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected an error when no ConversationBuilder is supplied")
	}
}

type emptyRegistry struct{}

func (emptyRegistry) GetModel(api, id string) (Model, bool) { return Model{}, false }
func (emptyRegistry) GetAvailableModels() []Model            { return nil }
