package country_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/margin-engine/country"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// staticSource is an in-memory Source fixture.
type staticSource struct {
	countries []country.Country
	aliases   []country.Alias
}

func (s *staticSource) Countries(context.Context) ([]country.Country, error) {
	return s.countries, nil
}

func (s *staticSource) Aliases(context.Context) ([]country.Alias, error) {
	return s.aliases, nil
}

func newTestNormalizer(t *testing.T) (*country.Normalizer, *staticSource) {
	src := &staticSource{
		countries: []country.Country{
			{Code: "US", Name: "United States", Alpha3: "USA"},
			{Code: "GB", Name: "United Kingdom", Alpha3: "GBR"},
			{Code: "DE", Name: "Germany", Alpha3: "DEU"},
			{Code: "FR", Name: "France", Alpha3: "FRA"},
			{Code: "NL", Name: "Netherlands", Alpha3: "NLD"},
		},
		aliases: []country.Alias{
			{CountryCode: "US", Alias: "America", Source: "seed"},
			{CountryCode: "GB", Alias: "UK", Source: "seed"},
			{CountryCode: "NL", Alias: "Holland", Source: "seed"},
		},
	}
	n, err := country.New(context.Background(), src, nil)
	require.NoError(t, err)
	return n, src
}

// =============================================================================
// RESOLUTION PIPELINE
// =============================================================================

func TestResolve_Alpha2Code(t *testing.T) {
	n, _ := newTestNormalizer(t)

	for _, input := range []string{"US", "us", " us "} {
		m := n.Resolve(input)
		assert.Equal(t, country.StatusExactMaster, m.Status, "input %q", input)
		assert.Equal(t, "US", m.Code)
		assert.Equal(t, 1.0, m.Confidence)
	}
}

func TestResolve_Alpha3Code(t *testing.T) {
	n, _ := newTestNormalizer(t)

	m := n.Resolve("USA")
	assert.Equal(t, country.StatusExactMaster, m.Status)
	assert.Equal(t, "US", m.Code)
	assert.Equal(t, 1.0, m.Confidence)
}

func TestResolve_CanonicalName(t *testing.T) {
	n, _ := newTestNormalizer(t)

	m := n.Resolve("united states")
	assert.Equal(t, country.StatusExactMaster, m.Status)
	assert.Equal(t, "US", m.Code)
}

func TestResolve_Alias_DistinguishedFromMaster(t *testing.T) {
	n, _ := newTestNormalizer(t)

	m := n.Resolve("America")
	assert.Equal(t, country.StatusExactAlias, m.Status)
	assert.Equal(t, "US", m.Code)
	assert.Equal(t, 1.0, m.Confidence)
	assert.True(t, m.Resolved())
}

func TestResolve_Fuzzy_CommonMisspelling(t *testing.T) {
	n, _ := newTestNormalizer(t)

	// "Germeny" is 1 edit from "germany": distance 1 <= 5, similarity 6/7 >= 0.8
	m := n.Resolve("Germeny")
	assert.Equal(t, country.StatusFuzzy, m.Status)
	assert.Equal(t, "DE", m.Code)
	assert.Equal(t, "germany", m.MatchedAgainst)
	assert.GreaterOrEqual(t, m.Confidence, 0.8)
	assert.Less(t, m.Confidence, 1.0)
}

func TestResolve_Unresolved(t *testing.T) {
	n, _ := newTestNormalizer(t)

	for _, input := range []string{"", "   ", "xyz123", "Atlantis"} {
		m := n.Resolve(input)
		assert.Equal(t, country.StatusUnresolved, m.Status, "input %q", input)
		assert.Empty(t, m.Code)
		assert.Zero(t, m.Confidence)
		assert.False(t, m.Resolved())
	}
}

func TestResolve_ShortGibberishCode_NotFuzzyMatched(t *testing.T) {
	n, _ := newTestNormalizer(t)

	// Two letters that aren't a valid code must not fall through to a fuzzy
	// match: the similarity threshold rejects them.
	m := n.Resolve("ZZ")
	assert.Equal(t, country.StatusUnresolved, m.Status)
}

func TestResolve_CodeBeatsFuzzy(t *testing.T) {
	n, _ := newTestNormalizer(t)

	// "DE" must resolve as an alpha-2 code, never fuzzily against a name.
	m := n.Resolve("DE")
	assert.Equal(t, country.StatusExactMaster, m.Status)
	assert.Equal(t, "DE", m.Code)
}

// =============================================================================
// BATCH RESOLUTION
// =============================================================================

func TestResolveBatch_DedupesAndPreservesRawKeys(t *testing.T) {
	n, _ := newTestNormalizer(t)

	raws := []string{"US", "us", " US ", "Germeny", "Atlantis"}
	results := n.ResolveBatch(raws)

	require.Len(t, results, len(raws))
	for _, raw := range []string{"US", "us", " US "} {
		assert.Equal(t, "US", results[raw].Code, "raw %q", raw)
	}
	assert.Equal(t, country.StatusFuzzy, results["Germeny"].Status)
	assert.Equal(t, country.StatusUnresolved, results["Atlantis"].Status)
}

// =============================================================================
// CACHE LIFECYCLE
// =============================================================================

func TestReload_PicksUpNewAliases(t *testing.T) {
	n, src := newTestNormalizer(t)

	m := n.Resolve("Deutschland")
	// Too far from "germany" for the fuzzy stage
	assert.Equal(t, country.StatusUnresolved, m.Status)

	src.aliases = append(src.aliases, country.Alias{CountryCode: "DE", Alias: "Deutschland", Source: "resolution"})
	require.NoError(t, n.Reload(context.Background()))

	m = n.Resolve("Deutschland")
	assert.Equal(t, country.StatusExactAlias, m.Status)
	assert.Equal(t, "DE", m.Code)
}

func TestResolve_ConcurrentWithReload(t *testing.T) {
	n, _ := newTestNormalizer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = n.Reload(context.Background())
		}
	}()
	for i := 0; i < 200; i++ {
		m := n.Resolve("United Kingdom")
		assert.Equal(t, "GB", m.Code)
	}
	<-done
}
