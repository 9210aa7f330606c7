// Package prompts loads the agent configuration: prompt templates, model
// ids, sampling parameters, wildcards, and image variance pools. The file is
// operator-editable YAML and is hot-reloaded on change.
package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultConfig []byte

// Agent names used throughout the engine. Each maps to a model id, sampling
// parameters, and (except image) a prompt template.
const (
	AgentNarrator      = "narrator"
	AgentSummarizer    = "summarizer"
	AgentValidator     = "validator"
	AgentFunNugget     = "fun_nugget"
	AgentSceneAnalyzer = "scene_analyzer"
	AgentChoiceImage   = "choice_image"
	AgentStyleGuide    = "style_guide"
	AgentImage         = "image"
)

// Template names. AgentNarrator uses PromptOpening for round 1 and
// PromptNarrator afterwards.
const (
	PromptOpening        = "opening"
	PromptNarrator       = "narrator"
	PromptSummarizer     = "summarizer"
	PromptValidator      = "validator"
	PromptFunNugget      = "fun_nugget"
	PromptStyleGuide     = "style_guide"
	PromptChoiceImage    = "choice_image"
	PromptSceneIntensity = "scene_intensity"
)

// SamplingParams are per-agent generation parameters. Nil pointers mean
// "use the model default".
type SamplingParams struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"top_p"`
	MaxTokens   int32    `yaml:"max_tokens"`
}

// Mechanics are the history-compaction tuning knobs.
type Mechanics struct {
	SummarizationInterval int `yaml:"summarization_interval"`
	RecentTurnsToKeep     int `yaml:"recent_turns_to_keep"`

	// MaxHistoryTokens forces compaction between intervals when the rendered
	// history grows past this budget. Zero disables the check.
	MaxHistoryTokens int `yaml:"max_history_tokens"`
}

// LightingBands are lighting pools gated by scene intensity.
type LightingBands struct {
	Low    []string `yaml:"low"`
	Medium []string `yaml:"medium"`
	High   []string `yaml:"high"`
}

// VarianceConfig holds the stylistic variance pools for illustrations.
type VarianceConfig struct {
	Perspectives []string      `yaml:"perspectives"`
	Framing      []string      `yaml:"framing"`
	Lighting     LightingBands `yaml:"lighting_by_intensity"`
}

type file struct {
	Models    map[string]string         `yaml:"models"`
	Sampling  map[string]SamplingParams `yaml:"sampling_params"`
	Prompts   map[string]string         `yaml:"prompts"`
	Wildcards []string                  `yaml:"wildcards"`
	Mechanics Mechanics                 `yaml:"game_mechanics"`
	Variance  VarianceConfig            `yaml:"image_variance"`
}

// Registry is the loaded agent configuration. All accessors are safe for
// concurrent use; Watch swaps the whole snapshot on reload.
type Registry struct {
	mu        sync.RWMutex
	path      string // empty when running on embedded defaults
	cfg       *file
	templates map[string]*template.Template
}

// Load reads the configuration from path, or the embedded defaults when path
// is empty.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	raw := defaultConfig
	if r.path != "" {
		b, err := os.ReadFile(r.path)
		if err != nil {
			return fmt.Errorf("read prompts config: %w", err)
		}
		raw = b
	}

	var cfg file
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse prompts config: %w", err)
	}
	if cfg.Mechanics.SummarizationInterval <= 0 {
		cfg.Mechanics.SummarizationInterval = 5
	}
	if cfg.Mechanics.RecentTurnsToKeep <= 0 {
		cfg.Mechanics.RecentTurnsToKeep = 5
	}

	templates := make(map[string]*template.Template, len(cfg.Prompts))
	for name, body := range cfg.Prompts {
		t, err := template.New(name).Option("missingkey=zero").Parse(body)
		if err != nil {
			return fmt.Errorf("parse prompt template %q: %w", name, err)
		}
		templates[name] = t
	}

	r.mu.Lock()
	r.cfg = &cfg
	r.templates = templates
	r.mu.Unlock()
	return nil
}

// Render renders the named prompt template with vars.
func (r *Registry) Render(name string, vars any) (string, error) {
	r.mu.RLock()
	t, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt %q not found in config", name)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return sb.String(), nil
}

// Model returns the configured model id for an agent.
func (r *Registry) Model(agent string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.cfg.Models[agent]
	if !ok || m == "" {
		return "", fmt.Errorf("model for agent %q not found in config", agent)
	}
	return m, nil
}

// Sampling returns the sampling parameters for an agent. Unconfigured agents
// get the zero value, meaning model defaults.
func (r *Registry) Sampling(agent string) SamplingParams {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Sampling[agent]
}

// RandomWildcard picks a random narrative seasoning element.
func (r *Registry) RandomWildcard() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.cfg.Wildcards) == 0 {
		return ""
	}
	return r.cfg.Wildcards[rand.IntN(len(r.cfg.Wildcards))]
}

// Mechanics returns the compaction tuning knobs.
func (r *Registry) Mechanics() Mechanics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Mechanics
}

// Variance returns the illustration variance pools.
func (r *Registry) Variance() VarianceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Variance
}

// Watch reloads the configuration whenever the backing file changes. It is a
// no-op for the embedded defaults. Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the parent directory: editors replace files on save, which
	// drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(r.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				if err := r.reload(); err != nil {
					log.Warn().Err(err).Str("path", r.path).Msg("Prompt config reload failed, keeping previous")
					return
				}
				log.Info().Str("path", r.path).Msg("Prompt config reloaded")
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Prompt config watcher error")
		}
	}
}
