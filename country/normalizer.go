/*
Package country maps free-text country strings from uploaded data to
canonical ISO alpha-2 codes.

PURPOSE:
  Uploaded rate sheets and traffic files spell countries every way imaginable:
  "US", "USA", "United States", "America", "Germeny". The Normalizer resolves
  each to a canonical code through a strict precedence pipeline, reporting how
  the mapping arose (exact master data, alias, fuzzy) so it can be audited.

RESOLUTION PIPELINE (first match wins):
  1. Blank input                      -> unresolved, confidence 0
  2. Two letters, valid alpha-2 code  -> exact_master, 1.0
  3. Three letters, known alpha-3     -> exact_master, 1.0
  4. Canonical name (case-insensitive)-> exact_master, 1.0
  5. Alias (case-insensitive)         -> exact_alias, 1.0
  6. Fuzzy match (see matcher.go)     -> fuzzy_match, confidence in [0.8, 1)
  7. Otherwise                        -> unresolved, confidence 0

CACHE LIFECYCLE:
  The Normalizer is an explicit cache built from a full scan of the country
  master and alias tables. Reload() rebuilds it from scratch - it must be
  called after any alias or master-data write. Rebuild is the only point
  requiring exclusion from concurrent Resolve calls; an RWMutex covers it.

SEE ALSO:
  - matcher.go: pluggable fuzzy strategy
  - store/sqlite: Source implementation and pending-resolution persistence
*/
package country

import (
	"context"
	"strings"
	"sync"
)

// =============================================================================
// MATCH RESULT
// =============================================================================

type Status string

const (
	StatusExactMaster Status = "exact_master"
	StatusExactAlias  Status = "exact_alias"
	StatusFuzzy       Status = "fuzzy_match"
	StatusUnresolved  Status = "unresolved"
)

// Match is the outcome of resolving one raw string.
type Match struct {
	Status         Status
	Code           string // canonical alpha-2 code; empty when unresolved
	Confidence     float64
	MatchedAgainst string // the candidate the input matched (audit trail)
	Input          string
}

func (m Match) Resolved() bool { return m.Status != StatusUnresolved }

// =============================================================================
// REFERENCE DATA
// =============================================================================

// Country is immutable master data seeded at install time.
type Country struct {
	Code   string // ISO alpha-2, primary key
	Name   string
	Alpha3 string // optional ISO alpha-3
}

// Alias maps an alternative spelling to a canonical code. Source records
// provenance: "manual", "user_resolved", upload-derived.
type Alias struct {
	CountryCode string
	Alias       string
	Source      string
}

// Source supplies the reference data the cache is built from.
type Source interface {
	Countries(ctx context.Context) ([]Country, error)
	Aliases(ctx context.Context) ([]Alias, error)
}

// =============================================================================
// NORMALIZER
// =============================================================================

type Normalizer struct {
	src     Source
	matcher Matcher

	mu            sync.RWMutex
	names         map[string]string   // lowercase canonical name -> code
	codes         map[string]struct{} // valid alpha-2 codes (uppercase)
	alpha3        map[string]string   // alpha-3 (uppercase) -> alpha-2
	aliases       map[string]string   // lowercase alias -> code
	candidates    []string            // all known strings, for fuzzy matching
	candidateCode map[string]string   // candidate -> code
}

// New builds a Normalizer and loads the cache. matcher may be nil, in which
// case the default edit-distance matcher is used.
func New(ctx context.Context, src Source, matcher Matcher) (*Normalizer, error) {
	if matcher == nil {
		matcher = DefaultMatcher()
	}
	n := &Normalizer{src: src, matcher: matcher}
	if err := n.Reload(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Reload rebuilds the cache from storage. Call after any write to the
// country master or alias tables. Rebuild, never patch.
func (n *Normalizer) Reload(ctx context.Context) error {
	countries, err := n.src.Countries(ctx)
	if err != nil {
		return err
	}
	aliases, err := n.src.Aliases(ctx)
	if err != nil {
		return err
	}

	names := make(map[string]string, len(countries))
	codes := make(map[string]struct{}, len(countries))
	alpha3 := make(map[string]string, len(countries))
	aliasMap := make(map[string]string, len(aliases))
	candidateCode := make(map[string]string, len(countries)+len(aliases))

	for _, c := range countries {
		lower := strings.ToLower(strings.TrimSpace(c.Name))
		names[lower] = c.Code
		codes[strings.ToUpper(c.Code)] = struct{}{}
		candidateCode[lower] = c.Code
		if c.Alpha3 != "" {
			alpha3[strings.ToUpper(c.Alpha3)] = c.Code
		}
	}
	for _, a := range aliases {
		lower := strings.ToLower(strings.TrimSpace(a.Alias))
		aliasMap[lower] = a.CountryCode
		candidateCode[lower] = a.CountryCode
	}

	candidates := make([]string, 0, len(candidateCode))
	for c := range candidateCode {
		candidates = append(candidates, c)
	}

	n.mu.Lock()
	n.names = names
	n.codes = codes
	n.alpha3 = alpha3
	n.aliases = aliasMap
	n.candidates = candidates
	n.candidateCode = candidateCode
	n.mu.Unlock()
	return nil
}

// Resolve runs the precedence pipeline over one raw string.
func (n *Normalizer) Resolve(raw string) Match {
	input := strings.TrimSpace(raw)
	if input == "" {
		return Match{Status: StatusUnresolved, Input: raw}
	}
	normalized := strings.ToLower(input)

	n.mu.RLock()
	defer n.mu.RUnlock()

	// Stage 1: already an alpha-2 code
	if len(input) == 2 && isLetters(input) {
		upper := strings.ToUpper(input)
		if _, ok := n.codes[upper]; ok {
			return Match{Status: StatusExactMaster, Code: upper, Confidence: 1.0, MatchedAgainst: upper, Input: input}
		}
	}

	// Stage 2: alpha-3 code
	if len(input) == 3 && isLetters(input) {
		upper := strings.ToUpper(input)
		if code, ok := n.alpha3[upper]; ok {
			return Match{Status: StatusExactMaster, Code: code, Confidence: 1.0, MatchedAgainst: upper, Input: input}
		}
	}

	// Stage 3: canonical name
	if code, ok := n.names[normalized]; ok {
		return Match{Status: StatusExactMaster, Code: code, Confidence: 1.0, MatchedAgainst: normalized, Input: input}
	}

	// Stage 4: alias. Distinguished from master so callers can audit how a
	// mapping arose.
	if code, ok := n.aliases[normalized]; ok {
		return Match{Status: StatusExactAlias, Code: code, Confidence: 1.0, MatchedAgainst: normalized, Input: input}
	}

	// Stage 5: fuzzy
	if best, confidence, ok := n.matcher.Best(normalized, n.candidates); ok {
		return Match{
			Status:         StatusFuzzy,
			Code:           n.candidateCode[best],
			Confidence:     confidence,
			MatchedAgainst: best,
			Input:          input,
		}
	}

	return Match{Status: StatusUnresolved, Input: input}
}

// ResolveBatch resolves many raw strings, de-duplicating by lowercase-trimmed
// key first: uploads commonly repeat the same misspelling thousands of times
// and the fuzzy stage is the expensive one.
func (n *Normalizer) ResolveBatch(raws []string) map[string]Match {
	cache := make(map[string]Match)
	results := make(map[string]Match, len(raws))

	for _, raw := range raws {
		key := strings.ToLower(strings.TrimSpace(raw))
		m, ok := cache[key]
		if !ok {
			m = n.Resolve(raw)
			cache[key] = m
		}
		results[raw] = m
	}
	return results
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) > 0
}
