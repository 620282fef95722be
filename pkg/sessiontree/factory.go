package sessiontree

import (
	"fmt"

	"github.com/mark3labs/sessiontree/internal/controller"
	"github.com/mark3labs/sessiontree/internal/provider"
	"github.com/mark3labs/sessiontree/internal/sessionerr"
	"github.com/mark3labs/sessiontree/internal/tree"
)

// SystemPrompt is either a fixed string or a transformer applied to the
// factory's default prompt; ConversationBuilder implementations decide how
// to interpret it.
type SystemPrompt struct {
	Text        string
	Transformer func(defaultPrompt string) string
}

// ConversationBuilder constructs the external Conversation collaborator.
// This module has no model-calling implementation of its own — the
// model-provider client is an external collaborator per spec §1/§6.3 — so
// the factory takes the construction step as a caller-supplied function
// rather than building a Conversation itself.
type ConversationBuilder func(p ProviderTriple, prompt SystemPrompt, tools []any, queueMode string) (Conversation, error)

// NewOptions configures the programmatic factory.
type NewOptions struct {
	Cwd      string
	AgentDir string

	// Provider, if set, is used verbatim instead of the resolution order in
	// step 1 below.
	Provider *ProviderTriple

	SystemPrompt SystemPrompt
	Tools        []any

	// Tree, if set, is used instead of creating a fresh one.
	Tree *Tree

	Settings *Settings
	Registry ModelRegistry
	Keys     APIKeyResolver

	Build ConversationBuilder
}

// New assembles a Controller per spec §6.4:
//  1. picks a model (explicit > opened tree's last provider > settings
//     default > first available model; NoModelsAvailable otherwise) — done
//     before the Tree so a fresh tree's Header can carry it directly,
//  2. picks a Tree (explicit > fresh under Cwd/AgentDir, Header recording
//     the chosen provider),
//  3. builds the Conversation with the chosen provider/prompt/tools/queue
//     mode,
//  4. restores messages into it via replace_messages when the tree already
//     has history,
//  5. returns the Controller wrapping all of the above.
func New(opts NewOptions) (*Controller, error) {
	if opts.Build == nil {
		return nil, sessionerr.New(sessionerr.ConfigMissing, "NewOptions.Build is required to construct the Conversation")
	}
	if opts.Registry == nil {
		opts.Registry = provider.NewStaticRegistry()
	}
	if opts.Keys == nil {
		opts.Keys = provider.EnvKeyResolver{}
	}

	// --- 1. Pick a model ---
	tr := opts.Tree
	chosen, err := resolveProvider(opts, tr)
	if err != nil {
		return nil, err
	}

	if _, ok := opts.Keys.GetAPIKeyFromEnv(chosen.API); !ok {
		return nil, sessionerr.New(sessionerr.AuthMissing, fmt.Sprintf("no API key for provider %q", chosen.API))
	}

	// --- 2. Pick a Tree, recording the chosen provider in a fresh Header ---
	if tr == nil {
		created, err := tree.Create(opts.Cwd, opts.AgentDir, &chosen)
		if err != nil {
			return nil, fmt.Errorf("create tree: %w", err)
		}
		tr = created
	}

	queueMode := controller.QueueModeAll
	if opts.Settings != nil {
		queueMode = opts.Settings.QueueMode()
	}

	// --- 3. Build the Conversation ---
	conv, err := opts.Build(chosen, opts.SystemPrompt, opts.Tools, queueMode)
	if err != nil {
		return nil, fmt.Errorf("build conversation: %w", err)
	}

	// --- 4. Restore messages when the tree already has history ---
	if _, ok := tr.GetHeadNode(tr.ActiveBranch()); ok {
		conv.ReplaceMessages(tr.BuildContext(tr.ActiveBranch(), Full))
	}

	// --- 5. Return the Controller ---
	return controller.New(tr, conv, opts.Settings, opts.Registry, opts.Keys, opts.AgentDir), nil
}

// resolveProvider implements step 1's resolution order: explicit option >
// model recorded in an already-opened tree's last provider > default from
// settings > first entry from get_available_models. tr is nil when a fresh
// tree is about to be created, in which case there is no history to consult.
func resolveProvider(opts NewOptions, tr *Tree) (ProviderTriple, error) {
	if opts.Provider != nil {
		return *opts.Provider, nil
	}

	if tr != nil {
		if p, ok := tr.LastProvider(tr.ActiveBranch()); ok {
			return p, nil
		}
	}

	if opts.Settings != nil {
		api := opts.Settings.DefaultAPI()
		model := opts.Settings.DefaultModel()
		if api != "" && model != "" {
			return ProviderTriple{API: api, ModelID: model, ProviderOptions: opts.Settings.DefaultProviderOptions()}, nil
		}
	}

	available := opts.Registry.GetAvailableModels()
	if len(available) == 0 {
		return ProviderTriple{}, sessionerr.New(sessionerr.NoModelsAvailable, "no model available: no explicit provider, no tree history, no settings default, and the registry is empty")
	}
	first := available[0]
	return ProviderTriple{API: first.API, ModelID: first.ID}, nil
}
