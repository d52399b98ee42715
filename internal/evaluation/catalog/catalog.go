// Package catalog loads the default evaluator set from YAML.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type fileConfig struct {
	Evaluators []EvaluatorConfig `yaml:"evaluators"`
}

// EvaluatorConfig is one catalog entry as written in YAML.
type EvaluatorConfig struct {
	Name        string `yaml:"name"`
	Enabled     *bool  `yaml:"enabled"`
	Type        string `yaml:"type"`
	Function    string `yaml:"function"`
	Prompt      string `yaml:"prompt"`
	Informative *bool  `yaml:"informative"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
}

// Entry is a validated catalog evaluator.
type Entry struct {
	Name        string
	Type        string
	Function    string
	Prompt      string
	Informative bool
	Provider    string
	Model       string
}

// Catalog is the set of evaluators attached to every monitored model.
type Catalog struct {
	entries []Entry
}

// Load reads the catalog from path, or the embedded defaults when path is
// empty. Invalid or disabled entries are skipped. Provider and model of an
// entry can be overridden with HANDIT_EVALUATOR_<NAME>_PROVIDER and
// HANDIT_EVALUATOR_<NAME>_MODEL.
func Load(path string) (*Catalog, error) {
	data := defaultsYAML
	if p := strings.TrimSpace(path); p != "" {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read evaluator catalog %q: %w", p, err)
		}
		data = raw
	}
	return Parse(data)
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse evaluator catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Evaluators))
	entries := make([]Entry, 0, len(cfg.Evaluators))
	for _, c := range cfg.Evaluators {
		e, ok := normalizeConfig(c)
		if !ok {
			continue
		}
		if _, dup := seen[e.Name]; dup {
			continue
		}
		seen[e.Name] = struct{}{}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &Catalog{entries: entries}, nil
}

// Entries returns a copy of the catalog entries, sorted by name.
func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Ensure upserts every entry as a global evaluator and returns the stored rows
// in catalog order.
func (c *Catalog) Ensure(ctx context.Context, store *db.Store) ([]models.EvaluationPrompt, error) {
	out := make([]models.EvaluationPrompt, 0, len(c.entries))
	for _, e := range c.entries {
		row := &models.EvaluationPrompt{
			Name:          e.Name,
			Type:          e.Type,
			Prompt:        e.Prompt,
			FunctionName:  e.Function,
			IsInformative: e.Informative,
		}
		if err := store.UpsertGlobalEvaluator(ctx, row); err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, nil
}

// AttachAll binds every catalog evaluator to a model, carrying the entry's
// provider and model overrides.
func (c *Catalog) AttachAll(ctx context.Context, store *db.Store, modelID uint) error {
	rows, err := c.Ensure(ctx, store)
	if err != nil {
		return err
	}
	for i, row := range rows {
		binding := &models.ModelEvaluationPrompt{
			ModelID:            modelID,
			EvaluationPromptID: row.ID,
			Provider:           c.entries[i].Provider,
			LLMModel:           c.entries[i].Model,
		}
		if err := store.AttachEvaluator(ctx, binding); err != nil {
			return err
		}
	}
	return nil
}

func normalizeConfig(cfg EvaluatorConfig) (Entry, bool) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if !nameRegexp.MatchString(name) {
		return Entry{}, false
	}
	if cfg.Enabled != nil && !*cfg.Enabled {
		return Entry{}, false
	}

	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	e := Entry{
		Name:        name,
		Type:        typ,
		Informative: true,
		Provider:    strings.TrimSpace(cfg.Provider),
		Model:       strings.TrimSpace(cfg.Model),
	}
	if cfg.Informative != nil {
		e.Informative = *cfg.Informative
	}

	switch typ {
	case models.EvaluatorTypeFunction:
		e.Function = strings.TrimSpace(cfg.Function)
		if e.Function == "" {
			e.Function = name
		}
	case models.EvaluatorTypePrompt:
		e.Prompt = strings.TrimSpace(cfg.Prompt)
		if e.Prompt == "" {
			return Entry{}, false
		}
	default:
		return Entry{}, false
	}

	if v := strings.TrimSpace(os.Getenv(envName(name, "PROVIDER"))); v != "" {
		e.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv(envName(name, "MODEL"))); v != "" {
		e.Model = v
	}
	return e, true
}

func envName(name, suffix string) string {
	upper := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(name))
	return fmt.Sprintf("HANDIT_EVALUATOR_%s_%s", upper, suffix)
}
