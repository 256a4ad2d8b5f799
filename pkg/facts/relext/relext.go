// Package relext extracts subject/predicate/object fact triples from a
// user/agent message pair using a single LLM completion call, grounded on
// the teacher's entity/relation extraction service. It implements the
// memory.FactExtractor signature so it can be wired directly into an
// Orchestrator's Options.Extract.
package relext

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kittclouds/memcore/pkg/fact"
)

// MaxTextLength caps the combined user/agent text sent to the LLM.
const MaxTextLength = 8000

// SystemPrompt instructs the LLM to return structured JSON only.
const SystemPrompt = `You are a fact extraction assistant for a conversational memory system.
Extract factual subject/predicate/object triples stated or implied by the exchange.
Return ONLY a valid JSON object with one array: "facts".
No markdown, no explanation. Start with { and end with }.`

// CompletionFunc performs one LLM completion call: system prompt plus user
// prompt in, raw text response out. Callers inject whatever backend they
// use (OpenAI-compatible endpoint, local model, etc).
type CompletionFunc func(ctx context.Context, system, user string) (string, error)

// Extractor extracts facts by delegating the actual completion call to an
// injected CompletionFunc, keeping this package free of any particular LLM
// client dependency.
type Extractor struct {
	complete CompletionFunc
}

// New constructs an Extractor. complete must not be nil.
func New(complete CompletionFunc) *Extractor {
	return &Extractor{complete: complete}
}

// rawFact is the wire shape the LLM is asked to produce.
type rawFact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	FactType   string  `json:"factType"`
	Confidence float64 `json:"confidence"`
}

type rawResult struct {
	Facts []rawFact `json:"facts"`
}

// Extract implements memory.FactExtractor: it builds a prompt from the
// message pair, performs one completion call, and parses the response into
// fact.StoreInput values ready for fact.Store.Store. Extraction failures
// that stem from a malformed LLM response return an empty slice rather than
// an error — a missed fact is not worth failing the remember() call over.
func (e *Extractor) Extract(ctx context.Context, userMessage, agentResponse string) ([]fact.StoreInput, error) {
	text := buildPrompt(userMessage, agentResponse)
	if text == "" {
		return nil, nil
	}

	raw, err := e.complete(ctx, SystemPrompt, text)
	if err != nil {
		return nil, fmt.Errorf("relext: completion failed: %w", err)
	}

	facts, err := parseResponse(raw)
	if err != nil {
		return nil, nil
	}
	return facts, nil
}

func buildPrompt(userMessage, agentResponse string) string {
	var sb strings.Builder
	combined := strings.TrimSpace(userMessage) + "\n" + strings.TrimSpace(agentResponse)
	if strings.TrimSpace(combined) == "" {
		return ""
	}
	if len(combined) > MaxTextLength {
		combined = combined[:MaxTextLength]
	}

	sb.WriteString("Extract factual triples from this exchange. ")
	sb.WriteString("Return a JSON object with one array: \"facts\".\n\n")
	sb.WriteString("Each fact object:\n")
	sb.WriteString("- \"subject\": the entity the fact is about (string)\n")
	sb.WriteString("- \"predicate\": the relationship or attribute (string)\n")
	sb.WriteString("- \"object\": the value or related entity (string)\n")
	sb.WriteString("- \"factType\": one of: preference, identity, knowledge, relationship, event, observation, custom\n")
	sb.WriteString("- \"confidence\": 0.0-1.0 (number)\n\n")
	sb.WriteString("RULES:\n")
	sb.WriteString("1. Only extract facts explicitly stated or clearly implied\n")
	sb.WriteString("2. Skip small talk and filler\n")
	sb.WriteString("3. confidence >= 0.8 for explicit statements, 0.5-0.8 for implied\n\n")
	sb.WriteString("EXCHANGE:\n")
	sb.WriteString(combined)
	return sb.String()
}

// parseResponse parses the raw LLM response into fact.StoreInput values,
// handling markdown code fences and falling back to regex repair on
// malformed JSON, mirroring the teacher's extraction.ParseResponse.
func parseResponse(raw string) ([]fact.StoreInput, error) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil, nil
	}

	var result rawResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return filterFacts(result.Facts), nil
	}

	repaired := repairFacts(cleaned)
	if len(repaired) == 0 {
		return nil, fmt.Errorf("relext: failed to parse response")
	}
	return filterFacts(repaired), nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

var validFactTypes = map[string]fact.Type{
	"preference":   fact.TypePreference,
	"identity":     fact.TypeIdentity,
	"knowledge":    fact.TypeKnowledge,
	"relationship": fact.TypeRelationship,
	"event":        fact.TypeEvent,
	"observation":  fact.TypeObservation,
	"custom":       fact.TypeCustom,
}

func filterFacts(raw []rawFact) []fact.StoreInput {
	out := make([]fact.StoreInput, 0, len(raw))
	for _, r := range raw {
		subject := strings.TrimSpace(r.Subject)
		predicate := strings.TrimSpace(r.Predicate)
		object := strings.TrimSpace(r.Object)
		if subject == "" || predicate == "" || object == "" {
			continue
		}
		factType, ok := validFactTypes[strings.ToLower(strings.TrimSpace(r.FactType))]
		if !ok {
			factType = fact.TypeObservation
		}
		confidence := r.Confidence
		if confidence <= 0 {
			confidence = 0.7
		}
		if confidence > 1 {
			confidence = 1
		}
		out = append(out, fact.StoreInput{
			FactType:   factType,
			Subject:    subject,
			Predicate:  predicate,
			Object:     object,
			Confidence: int64(confidence * 100),
			SourceType: fact.SourceConversation,
		})
	}
	return out
}

var factPattern = regexp.MustCompile(
	`\{\s*"subject"\s*:\s*"[^"]+"\s*,\s*"predicate"\s*:\s*"[^"]+"\s*,\s*"object"\s*:\s*"[^"]+"\s*(?:,\s*"[^"]+"\s*:\s*(?:"[^"]*"|[\d.]+|true|false|null))*\s*\}`,
)

func repairFacts(raw string) []rawFact {
	matches := factPattern.FindAllString(raw, -1)
	out := make([]rawFact, 0, len(matches))
	for _, m := range matches {
		var f rawFact
		if err := json.Unmarshal([]byte(m), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}
