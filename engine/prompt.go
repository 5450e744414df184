package engine

import (
	"strings"

	"github.com/reveriehq/reverie/docstore"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/llm"
	"github.com/reveriehq/reverie/memory"
	"github.com/reveriehq/reverie/store"
	"github.com/reveriehq/reverie/tokens"
)

// promptInput carries every candidate context section for one generation
// request. Sections may be arbitrarily large; the assembler decides what
// actually fits.
type promptInput struct {
	clone        store.Clone
	adaptation   store.AdaptationStrategy
	agentSummary string
	entities     []store.EntityContextSummary
	memories     []memory.Scored
	passages     []docstore.Hit
	window       []store.Message
	userTurn     string
}

// buildPrompt packs sections into a request in fixed priority order: persona
// first, then the latest agent summary, entity summaries, memories by score,
// document passages, and finally the recent message window. Packing of a
// section stops the instant the running total would cross the ceiling, so
// the assembled prompt never exceeds it regardless of how large any input
// section is. The new user turn is charged first since it must always ship.
func buildPrompt(counter tokens.Counter, ceiling, maxTokens int, in promptInput) (llm.Request, error) {
	budget := tokens.NewBudget(counter, ceiling)

	if in.userTurn != "" && !budget.Take(in.userTurn) {
		return llm.Request{}, errors.BudgetExceeded("user message alone exceeds the prompt budget")
	}

	var system []string
	// Each part is charged with its joining separator so the joined text
	// can never count higher than what was taken from the budget.
	take := func(text string) bool {
		return budget.Take(text + "\n\n")
	}

	persona := personaText(in.clone)
	if persona != "" && take(persona) {
		system = append(system, persona)
	}
	if line := adaptationLine(in.adaptation); line != "" && take(line) {
		system = append(system, line)
	}
	if in.agentSummary != "" {
		text := "What you know about this conversation so far:\n" + in.agentSummary
		if take(text) {
			system = append(system, text)
		}
	}
	if lines := packLines(take, "People and things you know about:", entityLines(in.entities)); lines != "" {
		system = append(system, lines)
	}
	if lines := packLines(take, "Things you remember:", memoryLines(in.memories)); lines != "" {
		system = append(system, lines)
	}
	if lines := packLines(take, "Background material:", passageLines(in.passages)); lines != "" {
		system = append(system, lines)
	}

	// The window packs newest-first so that when budget runs out it is the
	// oldest turns that fall off, then ships in chronological order.
	var kept []store.Message
	for i := len(in.window) - 1; i >= 0; i-- {
		m := in.window[i]
		if !budget.Take(m.SenderName + ": " + m.Content) {
			break
		}
		kept = append(kept, m)
	}
	msgs := make([]llm.Message, 0, len(kept)+1)
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, llm.Message{Role: roleFor(kept[i]), Content: kept[i].Content})
	}
	if in.userTurn != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: in.userTurn})
	}

	return llm.Request{
		System:    strings.Join(system, "\n\n"),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}, nil
}

// packLines charges the header, then appends items one at a time until one
// no longer fits. Returns empty when not even the header plus one item fits.
func packLines(take func(string) bool, header string, items []string) string {
	if len(items) == 0 || !take(header) {
		return ""
	}
	var kept []string
	for _, item := range items {
		if !take(item) {
			break
		}
		kept = append(kept, item)
	}
	if len(kept) == 0 {
		return ""
	}
	return header + "\n" + strings.Join(kept, "\n")
}

func personaText(c store.Clone) string {
	parts := []string{"You are " + c.Name + "."}
	if c.ShortDescription != "" {
		parts = append(parts, c.ShortDescription)
	}
	if c.LongDescription != "" {
		parts = append(parts, c.LongDescription)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func adaptationLine(a store.AdaptationStrategy) string {
	switch a {
	case store.AdaptationModerate:
		return "Gradually adapt your tone to match how the user writes."
	case store.AdaptationDynamic:
		return "Mirror the user's tone and style closely as the conversation evolves."
	default:
		return ""
	}
}

func entityLines(entities []store.EntityContextSummary) []string {
	lines := make([]string, 0, len(entities))
	for _, e := range entities {
		lines = append(lines, "- "+e.EntityName+": "+e.Content)
	}
	return lines
}

func memoryLines(memories []memory.Scored) []string {
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		lines = append(lines, "- "+m.Content)
	}
	return lines
}

func passageLines(passages []docstore.Hit) []string {
	lines := make([]string, 0, len(passages))
	for _, p := range passages {
		lines = append(lines, "- "+p.Content)
	}
	return lines
}

func roleFor(m store.Message) string {
	if m.IsClone {
		return "assistant"
	}
	return "user"
}
