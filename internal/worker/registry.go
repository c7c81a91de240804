// Package worker manages the specialist pool: the type registry that
// routes ticket text to a worker type, the bounded pool of live workers
// with their sandbox containers, and the conversation loop that drives
// one worker through a quality-gated task.
package worker

import (
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/agentcompany/agentcompany/internal/core"
)

// Definition describes one worker type: what it can do and which words
// in a ticket select it.
type Definition struct {
	Type         core.WorkerType `yaml:"type" json:"type"`
	Capabilities []string        `yaml:"capabilities" json:"capabilities"`
	Keywords     []string        `yaml:"keywords" json:"keywords"`
	Priority     int             `yaml:"priority" json:"priority"`
}

// builtinDefinitions covers the five specialist types. Keywords carry
// both English and Japanese forms because tickets arrive in either.
// Priorities break score ties, so the developer type is the default
// when nothing in the text points elsewhere.
func builtinDefinitions() []Definition {
	return []Definition{
		{
			Type:         core.WorkerTypeDeveloper,
			Capabilities: []string{"code-generation", "refactoring", "bugfix", "api-implementation"},
			Keywords: []string{
				"implement", "implementation", "code", "coding", "fix", "bug",
				"refactor", "feature", "api", "endpoint", "function", "build",
				"実装", "開発", "修正", "バグ", "コード", "機能",
			},
			Priority: 50,
		},
		{
			Type:         core.WorkerTypeTest,
			Capabilities: []string{"unit-testing", "integration-testing", "coverage-analysis"},
			Keywords: []string{
				"test", "tests", "testing", "coverage", "regression", "assert",
				"verify", "テスト", "検証", "カバレッジ", "回帰",
			},
			Priority: 40,
		},
		{
			Type:         core.WorkerTypeReview,
			Capabilities: []string{"code-review", "quality-audit", "standards-check"},
			Keywords: []string{
				"review", "approve", "audit", "inspect", "quality",
				"レビュー", "承認", "監査", "品質",
			},
			Priority: 30,
		},
		{
			Type:         core.WorkerTypeResearch,
			Capabilities: []string{"investigation", "analysis", "comparison", "documentation-survey"},
			Keywords: []string{
				"research", "investigate", "investigation", "analyze", "analysis",
				"compare", "survey", "evaluate", "調査", "分析", "検討", "比較",
			},
			Priority: 20,
		},
		{
			Type:         core.WorkerTypeDesign,
			Capabilities: []string{"architecture", "interface-design", "data-modeling"},
			Keywords: []string{
				"design", "architecture", "schema", "wireframe", "layout",
				"interface", "model", "設計", "デザイン", "アーキテクチャ", "画面",
			},
			Priority: 10,
		},
	}
}

// Registry maps ticket text to worker types by keyword score.
type Registry struct {
	mu   sync.RWMutex
	defs map[core.WorkerType]Definition
}

// NewRegistry returns a registry preloaded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[core.WorkerType]Definition)}
	for _, d := range builtinDefinitions() {
		r.defs[d.Type] = d
	}
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(d Definition) error {
	if !core.ValidWorkerType(d.Type) {
		return core.ErrValidation(core.CodeInvalidConfig,
			"unknown worker type: "+string(d.Type))
	}
	if len(d.Keywords) == 0 {
		return core.ErrValidation(core.CodeInvalidConfig,
			"worker definition has no keywords: "+string(d.Type))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Type] = d
	return nil
}

// Get returns the definition for a type.
func (r *Registry) Get(t core.WorkerType) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[t]
	return d, ok
}

// All returns every definition, highest priority first.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// MatchByText picks the worker type whose keywords score highest
// against the text. Exact substring hits score first; when no keyword
// appears verbatim, a fuzzy pass over the text's words catches typos.
// Ties, including the all-zero case, resolve by priority, which makes
// the developer type the default.
func (r *Registry) MatchByText(text string) core.WorkerType {
	defs := r.All()
	lower := strings.ToLower(text)

	scores := make(map[core.WorkerType]int, len(defs))
	for _, d := range defs {
		for _, kw := range d.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				scores[d.Type]++
			}
		}
	}

	if maxScore(scores) == 0 {
		r.fuzzyScores(lower, defs, scores)
	}

	best := defs[0].Type // highest priority
	bestScore := scores[best]
	for _, d := range defs[1:] {
		if scores[d.Type] > bestScore {
			best = d.Type
			bestScore = scores[d.Type]
		}
	}
	return best
}

// fuzzyScores attributes near-miss words to the definition owning the
// matched keyword.
func (r *Registry) fuzzyScores(lower string, defs []Definition, scores map[core.WorkerType]int) {
	var keywords []string
	owner := make(map[string]core.WorkerType)
	for _, d := range defs {
		for _, kw := range d.Keywords {
			k := strings.ToLower(kw)
			if _, seen := owner[k]; seen {
				continue
			}
			owner[k] = d.Type
			keywords = append(keywords, k)
		}
	}

	for _, word := range strings.Fields(lower) {
		if len([]rune(word)) < 4 {
			continue
		}
		matches := fuzzy.Find(word, keywords)
		if len(matches) == 0 {
			continue
		}
		scores[owner[matches[0].Str]]++
	}
}

func maxScore(scores map[core.WorkerType]int) int {
	m := 0
	for _, s := range scores {
		if s > m {
			m = s
		}
	}
	return m
}
