package relext

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memcore/pkg/fact"
)

func TestExtractParsesWellFormedJSON(t *testing.T) {
	ctx := context.Background()
	complete := func(ctx context.Context, system, user string) (string, error) {
		return `{"facts": [{"subject": "alice", "predicate": "likes", "object": "tea", "factType": "preference", "confidence": 0.9}]}`, nil
	}
	e := New(complete)

	facts, err := e.Extract(ctx, "I like tea", "noted")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "alice", facts[0].Subject)
	require.Equal(t, fact.TypePreference, facts[0].FactType)
	require.EqualValues(t, 90, facts[0].Confidence)
}

func TestExtractStripsMarkdownCodeFence(t *testing.T) {
	ctx := context.Background()
	complete := func(ctx context.Context, system, user string) (string, error) {
		return "```json\n{\"facts\": [{\"subject\": \"bob\", \"predicate\": \"worksAt\", \"object\": \"acme\"}]}\n```", nil
	}
	e := New(complete)

	facts, err := e.Extract(ctx, "I work at acme", "noted")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "bob", facts[0].Subject)
}

func TestExtractFallsBackToRegexRepairOnMalformedJSON(t *testing.T) {
	ctx := context.Background()
	complete := func(ctx context.Context, system, user string) (string, error) {
		return `some preamble the model should not have written {"subject": "carol", "predicate": "likes", "object": "coffee", "confidence": 0.95} trailing junk`, nil
	}
	e := New(complete)

	facts, err := e.Extract(ctx, "I like coffee", "noted")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "carol", facts[0].Subject)
	require.Equal(t, "coffee", facts[0].Object)
}

func TestExtractReturnsEmptyOnUnrepairableResponse(t *testing.T) {
	ctx := context.Background()
	complete := func(ctx context.Context, system, user string) (string, error) {
		return "the model refused to answer in JSON at all", nil
	}
	e := New(complete)

	facts, err := e.Extract(ctx, "hi", "hello")
	require.NoError(t, err)
	require.Empty(t, facts)
}

func TestExtractPropagatesCompletionError(t *testing.T) {
	ctx := context.Background()
	complete := func(ctx context.Context, system, user string) (string, error) {
		return "", errors.New("upstream timeout")
	}
	e := New(complete)

	_, err := e.Extract(ctx, "hi", "hello")
	require.Error(t, err)
}

func TestExtractSkipsEmptyExchange(t *testing.T) {
	ctx := context.Background()
	called := false
	complete := func(ctx context.Context, system, user string) (string, error) {
		called = true
		return "", nil
	}
	e := New(complete)

	facts, err := e.Extract(ctx, "   ", "")
	require.NoError(t, err)
	require.Nil(t, facts)
	require.False(t, called)
}

func TestFilterFactsDropsIncompleteTriples(t *testing.T) {
	out := filterFacts([]rawFact{
		{Subject: "alice", Predicate: "", Object: "tea"},
		{Subject: "alice", Predicate: "likes", Object: "tea", Confidence: 0.5},
	})
	require.Len(t, out, 1)
	require.EqualValues(t, 50, out[0].Confidence)
}

func TestFilterFactsClampsConfidenceAboveOne(t *testing.T) {
	out := filterFacts([]rawFact{{Subject: "a", Predicate: "p", Object: "o", Confidence: 1.5}})
	require.Len(t, out, 1)
	require.EqualValues(t, 100, out[0].Confidence)
}

func TestBuildPromptTruncatesAtMaxLength(t *testing.T) {
	long := make([]byte, MaxTextLength*2)
	for i := range long {
		long[i] = 'x'
	}
	prompt := buildPrompt(string(long), "")
	require.LessOrEqual(t, len(prompt)-len("Extract factual triples from this exchange. Return a JSON object with one array: \"facts\".\n\nEach fact object:\n- \"subject\": the entity the fact is about (string)\n- \"predicate\": the relationship or attribute (string)\n- \"object\": the value or related entity (string)\n- \"factType\": one of: preference, identity, knowledge, relationship, event, observation, custom\n- \"confidence\": 0.0-1.0 (number)\n\nRULES:\n1. Only extract facts explicitly stated or clearly implied\n2. Skip small talk and filler\n3. confidence >= 0.8 for explicit statements, 0.5-0.8 for implied\n\nEXCHANGE:\n"), MaxTextLength)
}
