package textmatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeCollapsesWhitespaceAndCase(t *testing.T) {
	require.Equal(t, "blue sky", Canonicalize("  Blue   Sky  "))
	require.Equal(t, "", Canonicalize("   "))
}

func TestContainsIsCaseInsensitiveSubstring(t *testing.T) {
	require.True(t, Contains("The Cat Sat On The Mat", "cat sat"))
	require.False(t, Contains("The Cat Sat On The Mat", "dog"))
}

func TestContainsEmptyQueryAlwaysMatches(t *testing.T) {
	require.True(t, Contains("anything", ""))
}

func TestScannerMatchAnyAndMatchAll(t *testing.T) {
	s, err := NewScanner([]string{"cat", "dog", "bird"})
	require.NoError(t, err)

	require.True(t, s.MatchAny("I saw a Cat today"))
	require.False(t, s.MatchAny("I saw a fish today"))
	require.False(t, s.MatchAll("I saw a cat today"))
	require.True(t, s.MatchAll("the cat chased the dog past the bird"))
}

func TestScannerMatchedNeedlesDedupesCanonicalForm(t *testing.T) {
	s, err := NewScanner([]string{"Cat", "cat", "dog"})
	require.NoError(t, err)

	found := s.MatchedNeedles("a cat and a dog")
	require.Len(t, found, 2)
	require.True(t, found["cat"])
	require.True(t, found["dog"])
}

func TestNewScannerWithEmptyNeedlesIsNilSafe(t *testing.T) {
	s, err := NewScanner(nil)
	require.NoError(t, err)
	require.True(t, s.MatchAny("anything"))
	require.True(t, s.MatchAll("anything"))
	require.Empty(t, s.MatchedNeedles("anything"))
}

func TestTagMatchAnyVsAll(t *testing.T) {
	record := []string{"Work", "Urgent"}

	require.True(t, TagMatch(record, []string{"work"}, false))
	require.True(t, TagMatch(record, []string{"work", "personal"}, false))
	require.False(t, TagMatch(record, []string{"personal"}, false))

	require.True(t, TagMatch(record, []string{"work", "urgent"}, true))
	require.False(t, TagMatch(record, []string{"work", "personal"}, true))
}

func TestTagMatchEmptyFilterAlwaysMatches(t *testing.T) {
	require.True(t, TagMatch(nil, nil, true))
	require.True(t, TagMatch([]string{"a"}, nil, false))
}
