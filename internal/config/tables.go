package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentoven/shopdesk/pkg/models"
)

//go:embed defaults.yaml
var defaultTables []byte

// DefaultTablesYAML returns the embedded tables document.
func DefaultTablesYAML() []byte {
	return append([]byte(nil), defaultTables...)
}

// ── Document ────────────────────────────────────────────────

// Document is the YAML shape of the tables file.
type Document struct {
	Guardrails GuardrailDoc            `yaml:"guardrails"`
	Intents    IntentDoc               `yaml:"intents"`
	Prompts    Prompts                 `yaml:"prompts"`
	Providers  []models.ProviderConfig `yaml:"providers" validate:"dive"`
	Routing    Routing                 `yaml:"routing"`
}

// PatternRule is one regex row of a guardrail table. Mask replaces every match.
type PatternRule struct {
	Name        string `yaml:"name" validate:"required"`
	Pattern     string `yaml:"pattern" validate:"required"`
	Mask        string `yaml:"mask"`
	Description string `yaml:"description"`
}

// PolicyCategory tags retrieved policy hits by keyword.
type PolicyCategory struct {
	Name     string   `yaml:"name" validate:"required"`
	Keywords []string `yaml:"keywords" validate:"min=1"`
}

// PolicyRule flags response text matching Pattern when Predicate evaluates
// false over the named capture groups. An empty predicate always flags.
type PolicyRule struct {
	Name      string `yaml:"name" validate:"required"`
	Pattern   string `yaml:"pattern" validate:"required"`
	Predicate string `yaml:"predicate"`
	Message   string `yaml:"message" validate:"required"`
}

type GuardrailDoc struct {
	InputMinLength       int              `yaml:"input_min_length" validate:"gte=0"`
	InputMaxLength       int              `yaml:"input_max_length" validate:"gtfield=InputMinLength"`
	OutputMinLength      int              `yaml:"output_min_length" validate:"gte=0"`
	OutputMaxLength      int              `yaml:"output_max_length" validate:"gtfield=OutputMinLength"`
	BlockMessage         string           `yaml:"block_message" validate:"required"`
	LengthMessage        string           `yaml:"length_message" validate:"required"`
	ApologyMessage       string           `yaml:"apology_message" validate:"required"`
	PII                  []PatternRule    `yaml:"pii" validate:"dive"`
	Injection            []PatternRule    `yaml:"injection" validate:"dive"`
	Blocklist            []string         `yaml:"blocklist"`
	Sensitive            []PatternRule    `yaml:"sensitive" validate:"dive"`
	Inappropriate        []string         `yaml:"inappropriate"`
	PoliteSuffixes       []string         `yaml:"polite_suffixes"`
	MinPoliteRatio       float64          `yaml:"min_polite_ratio" validate:"gte=0,lte=1"`
	MaterialityThreshold float64          `yaml:"materiality_threshold" validate:"gte=0"`
	PolicyCategories     []PolicyCategory `yaml:"policy_categories" validate:"dive"`
	PolicyRules          []PolicyRule     `yaml:"policy_rules" validate:"dive"`
}

type SubIntentRule struct {
	Name     string   `yaml:"name" validate:"required"`
	Keywords []string `yaml:"keywords" validate:"min=1"`
}

// IntentRule is one row of the priority-ordered keyword table.
type IntentRule struct {
	Intent                  models.Intent   `yaml:"intent" validate:"required"`
	Keywords                []string        `yaml:"keywords"`
	SubIntents              []SubIntentRule `yaml:"sub_intents" validate:"dive"`
	DefaultSub              string          `yaml:"default_sub"`
	DefaultSubWithOrderID   string          `yaml:"default_sub_with_order_id"`
	DefaultSubWithProductID string          `yaml:"default_sub_with_product_id"`
}

type IssueType struct {
	Keyword string `yaml:"keyword" validate:"required"`
	Type    string `yaml:"type" validate:"required"`
}

type IntentDoc struct {
	OrderIDPattern   string       `yaml:"order_id_pattern" validate:"required"`
	ProductIDPattern string       `yaml:"product_id_pattern" validate:"required"`
	IssueTypes       []IssueType  `yaml:"issue_types" validate:"dive"`
	DefaultIssueType string       `yaml:"default_issue_type"`
	Rules            []IntentRule `yaml:"rules" validate:"min=1,dive"`
}

type Prompts struct {
	System   string `yaml:"system"`
	Intent   string `yaml:"intent"`
	Response string `yaml:"response"`
}

// Routing selects a provider per intent and lists the ordered fallback chain.
type Routing struct {
	Default       string            `yaml:"default"`
	ByIntent      map[string]string `yaml:"by_intent"`
	FallbackChain []string          `yaml:"fallback_chain"`
}

// ── Compiled tables ─────────────────────────────────────────

// Rule is a PatternRule with its compiled regex.
type Rule struct {
	PatternRule
	Re *regexp.Regexp
}

// CompiledPolicyRule is a PolicyRule with its compiled regex and predicate.
type CompiledPolicyRule struct {
	PolicyRule
	Re      *regexp.Regexp
	Program *vm.Program // nil = always a violation
}

// Tables is an immutable, compiled snapshot of the tables document.
// Readers hold a pointer for the duration of one call.
type Tables struct {
	Doc         Document
	PII         []Rule
	Injection   []Rule
	Sensitive   []Rule
	PolicyRules []CompiledPolicyRule
	OrderID     *regexp.Regexp
	ProductID   *regexp.Regexp
	LoadedAt    time.Time
	Source      string
}

// Guardrails is a shortcut for t.Doc.Guardrails.
func (t *Tables) Guardrails() *GuardrailDoc { return &t.Doc.Guardrails }

// Provider returns the provider config with the given id.
func (t *Tables) Provider(id string) (models.ProviderConfig, bool) {
	for _, p := range t.Doc.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return models.ProviderConfig{}, false
}

// ParseTables decodes, validates and compiles a tables document.
// ${VAR} references in provider credentials and endpoints are expanded from
// the environment.
func ParseTables(data []byte) (*Tables, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tables: %w", err)
	}
	for i := range doc.Providers {
		p := &doc.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		p.Region = os.ExpandEnv(p.Region)
		p.Model = os.ExpandEnv(p.Model)
	}
	return Compile(doc)
}

// Compile validates a document and compiles every regex and predicate in it.
func Compile(doc Document) (*Tables, error) {
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid tables: %w", err)
	}

	t := &Tables{Doc: doc, LoadedAt: time.Now()}
	var err error
	g := &doc.Guardrails
	if t.PII, err = compileRules("pii", g.PII); err != nil {
		return nil, err
	}
	if t.Injection, err = compileRules("injection", g.Injection); err != nil {
		return nil, err
	}
	if t.Sensitive, err = compileRules("sensitive", g.Sensitive); err != nil {
		return nil, err
	}
	for _, r := range g.PolicyRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy rule %s: %w", r.Name, err)
		}
		cr := CompiledPolicyRule{PolicyRule: r, Re: re}
		if r.Predicate != "" {
			prog, err := expr.Compile(r.Predicate, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("policy rule %s predicate: %w", r.Name, err)
			}
			cr.Program = prog
		}
		t.PolicyRules = append(t.PolicyRules, cr)
	}
	if t.OrderID, err = regexp.Compile(doc.Intents.OrderIDPattern); err != nil {
		return nil, fmt.Errorf("order id pattern: %w", err)
	}
	if t.ProductID, err = regexp.Compile(doc.Intents.ProductIDPattern); err != nil {
		return nil, fmt.Errorf("product id pattern: %w", err)
	}
	return t, nil
}

func compileRules(table string, rules []PatternRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s rule %s: %w", table, r.Name, err)
		}
		out = append(out, Rule{PatternRule: r, Re: re})
	}
	return out, nil
}

// MustDefaultTables compiles the embedded defaults. It panics on error,
// which only a broken build can cause.
func MustDefaultTables() *Tables {
	t, err := ParseTables(defaultTables)
	if err != nil {
		panic(err)
	}
	t.Source = "embedded"
	return t
}

// ── Table store ─────────────────────────────────────────────

// TableSource hands out the current tables snapshot.
type TableSource interface {
	Current() *Tables
}

// Static is a TableSource that never changes.
type Static struct{ T *Tables }

func (s Static) Current() *Tables { return s.T }

// TableStore holds the live tables and swaps them atomically on reload.
// A failed reload keeps the previous snapshot.
type TableStore struct {
	path    string
	current atomic.Pointer[Tables]

	// OnReload, if set, is called after every successful reload.
	OnReload func(*Tables)
}

// NewTableStore loads the tables at path, or the embedded defaults when path is empty.
func NewTableStore(path string) (*TableStore, error) {
	s := &TableStore{path: path}
	if path == "" {
		s.current.Store(MustDefaultTables())
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TableStore) Current() *Tables { return s.current.Load() }

// Reload re-reads the tables file. Without a path it is a no-op.
func (s *TableStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read tables %s: %w", s.path, err)
	}
	t, err := ParseTables(data)
	if err != nil {
		return err
	}
	t.Source = s.path
	s.current.Store(t)
	if s.OnReload != nil {
		s.OnReload(t)
	}
	return nil
}

// Watch reloads the tables whenever the file changes until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (s *TableStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("resolve tables path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					log.Error().Err(err).Str("path", s.path).Msg("Tables reload failed, keeping previous tables")
					continue
				}
				log.Info().Str("path", s.path).Msg("🔄 Tables reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Tables watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Str("path", abs).Msg("Watching tables for changes")
	return nil
}
