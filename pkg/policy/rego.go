package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"golang.org/x/sync/singleflight"
)

// Action is the verdict of a rego decision.
type Action string

const (
	ActionAllow Action = "allow"
	// ActionRedact proceeds after the verdict's attributes are overlaid on the message.
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// Verdict is the decoded decision document.
type Verdict struct {
	Action     Action
	Reason     string
	Attributes map[string]any
	Metadata   map[string]string
}

func (v Verdict) clone() Verdict {
	v.Attributes = maps.Clone(v.Attributes)
	v.Metadata = maps.Clone(v.Metadata)
	return v
}

// Query selects the decision to evaluate and the input document.
type Query struct {
	// Entrypoint overrides the evaluator's default decision path.
	Entrypoint string
	Input      map[string]any
	NoCache    bool
}

// EvaluatorOptions configure NewEvaluator.
type EvaluatorOptions struct {
	// Entrypoint is the default decision path, "intercept/decision" when empty.
	Entrypoint string
	// Modules maps file names to rego sources.
	Modules map[string]string
	// CacheSize bounds the verdict cache. Zero selects 1024; negative disables it.
	CacheSize int
	Logger    *slog.Logger
}

// Evaluator runs rego decisions against an embedded OPA compiler. Prepared queries
// are built once per entrypoint and verdicts are cached by input digest.
type Evaluator struct {
	modules    []*ast.Module
	entrypoint string
	verdicts   *lru.Cache[string, Verdict]
	logger     *slog.Logger

	prepare  singleflight.Group
	prepared sync.Map // entrypoint -> *rego.PreparedEvalQuery
}

const (
	defaultEntrypoint = "intercept/decision"
	defaultCacheSize  = 1024
)

// NewEvaluator parses modules and compiles the default entrypoint so that errors
// surface at build time.
func NewEvaluator(ctx context.Context, opts EvaluatorOptions) (*Evaluator, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego evaluator requires at least one module")
	}
	e := &Evaluator{
		entrypoint: strings.Trim(strings.TrimSpace(opts.Entrypoint), "/"),
		logger:     opts.Logger,
	}
	if e.entrypoint == "" {
		e.entrypoint = defaultEntrypoint
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(opts.Modules)) {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", name, err))
			continue
		}
		e.modules = append(e.modules, module)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	size := opts.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	if size > 0 {
		cache, err := lru.New[string, Verdict](size)
		if err != nil {
			return nil, err
		}
		e.verdicts = cache
	}

	if _, err := e.query(ctx, e.entrypoint); err != nil {
		return nil, fmt.Errorf("compile %s: %w", e.entrypoint, err)
	}
	return e, nil
}

// Evaluate returns the verdict for q. An undefined decision allows.
func (e *Evaluator) Evaluate(ctx context.Context, q Query) (Verdict, error) {
	entry := strings.Trim(strings.TrimSpace(q.Entrypoint), "/")
	if entry == "" {
		entry = e.entrypoint
	}

	key, cacheable := e.digest(entry, q)
	if cacheable {
		if v, ok := e.verdicts.Get(key); ok {
			return v.clone(), nil
		}
	}

	prepared, err := e.query(ctx, entry)
	if err != nil {
		return Verdict{}, err
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(q.Input))
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate %s: %w", entry, err)
	}

	var verdict Verdict
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.DebugContext(ctx, "rego decision undefined", "entrypoint", entry)
		verdict = Verdict{Action: ActionAllow}
	} else if verdict, err = decodeVerdict(results[0].Expressions[0].Value); err != nil {
		return Verdict{}, fmt.Errorf("evaluate %s: %w", entry, err)
	}
	e.logger.DebugContext(ctx, "rego decision", "entrypoint", entry, "action", verdict.Action, "reason", verdict.Reason)

	if cacheable {
		e.verdicts.Add(key, verdict)
	}
	return verdict.clone(), nil
}

// Purge drops every cached verdict.
func (e *Evaluator) Purge() {
	if e.verdicts != nil {
		e.verdicts.Purge()
	}
}

func (e *Evaluator) cached() int {
	if e.verdicts == nil {
		return 0
	}
	return e.verdicts.Len()
}

func (e *Evaluator) query(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	if q, ok := e.prepared.Load(entry); ok {
		return q.(*rego.PreparedEvalQuery), nil
	}
	v, err, _ := e.prepare.Do(entry, func() (any, error) {
		opts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
		for _, m := range e.modules {
			opts = append(opts, rego.ParsedModule(m))
		}
		q, err := rego.New(opts...).PrepareForEval(ctx)
		if err != nil {
			return nil, err
		}
		e.prepared.Store(entry, &q)
		return &q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rego.PreparedEvalQuery), nil
}

// digest keys the cache by entrypoint and canonical JSON input. Inputs that do not
// encode are evaluated uncached.
func (e *Evaluator) digest(entry string, q Query) (string, bool) {
	if e.verdicts == nil || q.NoCache {
		return "", false
	}
	doc, err := json.Marshal(q.Input)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(append([]byte(entry+"\x00"), doc...))
	return hex.EncodeToString(sum[:]), true
}

func decodeVerdict(value any) (Verdict, error) {
	doc, ok := value.(map[string]any)
	if !ok {
		return Verdict{}, fmt.Errorf("decision must be an object, got %T", value)
	}
	v := Verdict{Action: ActionAllow}
	if raw, ok := doc["action"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return Verdict{}, fmt.Errorf("action must be a string, got %T", raw)
		}
		switch a := Action(strings.ToLower(s)); a {
		case ActionAllow, ActionRedact, ActionBlock:
			v.Action = a
		default:
			return Verdict{}, fmt.Errorf("unknown action %q", s)
		}
	}
	v.Reason, _ = doc["reason"].(string)
	if attrs, ok := doc["attributes"].(map[string]any); ok {
		v.Attributes = attrs
	}
	if meta, ok := doc["metadata"].(map[string]any); ok {
		v.Metadata = make(map[string]string, len(meta))
		for k, raw := range meta {
			if s, ok := raw.(string); ok {
				v.Metadata[k] = s
			}
		}
	}
	return v, nil
}
