// Package settings provides the process-wide key-value store the core reads
// and writes for defaulting and passthrough behavior: default provider/model,
// queue mode, and a couple of UI/tool-integration passthrough keys it never
// interprets itself.
//
// Layering follows the teacher's viper wiring in pkg/kit/config.go: a
// user-level file is loaded as a defaults layer (viper.SetDefault), then a
// project-local file is merged on top of it (viper.MergeConfig). Viper's
// own per-key fallback across layers gives nested objects recursive-merge
// semantics and arrays get-replaced semantics for free, with no hand-rolled
// merge code.
package settings

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/mark3labs/sessiontree/internal/config"
)

// Recognized keys, per the settings contract.
const (
	KeyDefaultAPI             = "default_api"
	KeyDefaultModel           = "default_model"
	KeyDefaultProviderOptions = "default_provider_options"
	KeyQueueMode              = "queue_mode"
	KeyShellPath              = "shell_path"
	KeyTerminalShowImages     = "terminal.show_images"
)

// QueueMode values, per §6.2's enum.
const (
	QueueModeAll        = "all"
	QueueModeOneAtATime = "one-at-a-time"
)

// Settings is a loaded, two-layer key-value store. The zero value is not
// usable; construct with Load.
type Settings struct {
	v           *viper.Viper
	projectPath string
}

// Load builds a Settings from an optional user-level file (the defaults
// layer) and an optional project-local file (the override layer, merged on
// top). Either path may be empty to skip that layer. Both files, if present,
// are passed through ${env://VAR} substitution before parsing, matching the
// teacher's LoadConfigWithEnvSubstitution.
func Load(userPath, projectPath string) (*Settings, error) {
	v := viper.New()
	v.SetDefault(KeyTerminalShowImages, true)

	if userPath != "" {
		raw, err := readSubstituted(userPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load user settings: %w", err)
			}
		} else {
			defaults, err := parseInto(userPath, raw)
			if err != nil {
				return nil, fmt.Errorf("parse user settings: %w", err)
			}
			for k, val := range defaults {
				v.SetDefault(k, val)
			}
		}
	}

	if projectPath != "" {
		raw, err := readSubstituted(projectPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load project settings: %w", err)
			}
		} else {
			v.SetConfigType(configTypeFor(projectPath))
			if err := v.MergeConfig(strings.NewReader(raw)); err != nil {
				return nil, fmt.Errorf("merge project settings: %w", err)
			}
		}
	}

	return &Settings{v: v, projectPath: projectPath}, nil
}

// readSubstituted reads a settings file and applies ${env://VAR} expansion.
func readSubstituted(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	substituter := &config.EnvSubstituter{}
	return substituter.SubstituteEnvVars(string(raw))
}

// parseInto parses a substituted file's content into a generic map using a
// throwaway viper instance, so its keys can be installed as defaults on the
// real one.
func parseInto(path, content string) (map[string]any, error) {
	tmp := viper.New()
	tmp.SetConfigType(configTypeFor(path))
	if err := tmp.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, err
	}
	return tmp.AllSettings(), nil
}

func configTypeFor(path string) string {
	if strings.HasSuffix(path, ".json") {
		return "json"
	}
	return "yaml"
}

// DefaultAPI returns the default_api key.
func (s *Settings) DefaultAPI() string { return s.v.GetString(KeyDefaultAPI) }

// DefaultModel returns the default_model key.
func (s *Settings) DefaultModel() string { return s.v.GetString(KeyDefaultModel) }

// DefaultProviderOptions returns the default_provider_options key.
func (s *Settings) DefaultProviderOptions() map[string]any {
	return s.v.GetStringMap(KeyDefaultProviderOptions)
}

// QueueMode returns the queue_mode key, defaulting to QueueModeAll when
// unset or unrecognized.
func (s *Settings) QueueMode() string {
	m := s.v.GetString(KeyQueueMode)
	if m != QueueModeAll && m != QueueModeOneAtATime {
		return QueueModeAll
	}
	return m
}

// ShellPath returns the shell_path key, exposed for tool integration only;
// the core never consumes it.
func (s *Settings) ShellPath() string { return s.v.GetString(KeyShellPath) }

// ShowImages returns the terminal.show_images key, exposed for UI
// integration only; the core never consumes it.
func (s *Settings) ShowImages() bool { return s.v.GetBool(KeyTerminalShowImages) }

// SetDefaultAPI writes the default_api key into the override layer.
func (s *Settings) SetDefaultAPI(api string) { s.v.Set(KeyDefaultAPI, api) }

// SetDefaultModel writes the default_model key into the override layer.
func (s *Settings) SetDefaultModel(model string) { s.v.Set(KeyDefaultModel, model) }

// SetDefaultProviderOptions writes the default_provider_options key into the
// override layer.
func (s *Settings) SetDefaultProviderOptions(opts map[string]any) {
	s.v.Set(KeyDefaultProviderOptions, opts)
}

// SetQueueMode writes the queue_mode key into the override layer.
func (s *Settings) SetQueueMode(mode string) { s.v.Set(KeyQueueMode, mode) }

// SetShowImages writes the terminal.show_images key into the override layer.
func (s *Settings) SetShowImages(show bool) { s.v.Set(KeyTerminalShowImages, show) }

// Save writes every current setting (user-layer defaults, project values,
// and values set since Load) to the project-local file this Settings was
// loaded with. Returns an error if no project path was given.
func (s *Settings) Save() error {
	if s.projectPath == "" {
		return fmt.Errorf("settings: no project-local file to save to")
	}
	s.v.SetConfigFile(s.projectPath)
	s.v.SetConfigType(configTypeFor(s.projectPath))
	if err := os.MkdirAll(dirOf(s.projectPath), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	return s.v.WriteConfigAs(s.projectPath)
}

func dirOf(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
