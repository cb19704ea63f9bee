package core

import (
	"context"
	"log"
	"strings"
	"unicode"
)

// Heuristic decides whether a model response looks cut off. promptSize is
// the length of the prompt that produced text, used for plausibility checks.
type Heuristic interface {
	IsLikelyTruncated(text string, promptSize int) bool
}

// HeuristicFunc adapts a function to the Heuristic interface.
type HeuristicFunc func(text string, promptSize int) bool

func (f HeuristicFunc) IsLikelyTruncated(text string, promptSize int) bool {
	return f(text, promptSize)
}

// LexicalHeuristic is the default truncation detector. It flags responses
// that end without terminal punctuation, end on a continuation token
// (comma, dash, ellipsis, open bracket), appear to stop mid-word, or are
// implausibly short relative to the prompt.
type LexicalHeuristic struct{}

func (LexicalHeuristic) IsLikelyTruncated(text string, promptSize int) bool {
	trimmed := strings.TrimRight(text, " \t\n\r")
	if trimmed == "" {
		return false
	}

	// Implausibly short answers to substantial prompts.
	if promptSize > 400 && len(trimmed) < promptSize/20 {
		return true
	}

	// A trailing ellipsis trails off mid-thought even though it ends in a
	// period byte, so it must be checked before terminal punctuation.
	if strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…") {
		return true
	}

	// Closed JSON or fenced blocks end cleanly.
	last := trimmed[len(trimmed)-1]
	switch last {
	case '}', ']', '"', '`':
		return false
	case '.', '!', '?', ':', ')':
		return false
	case ',', '-', '{', '[', '(', ';':
		return true
	}

	// A final token that is a bare lowercase word fragment with no sentence
	// punctuation anywhere near the end suggests a mid-sentence cut.
	tail := trimmed
	if idx := strings.LastIndexAny(tail, " \n"); idx >= 0 {
		tail = tail[idx+1:]
	}
	if tail != "" && unicode.IsLower(rune(tail[0])) && !strings.ContainsAny(tail, ".!?") {
		return true
	}
	return false
}

// continuationPrompt asks the model to pick up exactly where it stopped.
const continuationPrompt = "Your previous answer was cut off. Continue exactly where you stopped. Do not repeat anything you already wrote."

// Generator is the call surface the guard wraps, satisfied by *Gateway.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, opts GenerateOptions) (Completion, error)
}

// Guard wraps a Generator and stitches together continuations when the
// heuristic flags a response as truncated. After the round budget is spent
// the accumulated text is returned as-is.
type Guard struct {
	gen       Generator
	heuristic Heuristic
	maxRounds int
	logger    *log.Logger
}

// NewGuard builds a truncation guard. A nil heuristic gets LexicalHeuristic.
func NewGuard(gen Generator, heuristic Heuristic, maxRounds int, logger *log.Logger) *Guard {
	if heuristic == nil {
		heuristic = LexicalHeuristic{}
	}
	if maxRounds < 0 {
		maxRounds = 0
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[GUARD] ", log.LstdFlags)
	}
	return &Guard{gen: gen, heuristic: heuristic, maxRounds: maxRounds, logger: logger}
}

// Generate performs the initial call and up to maxRounds continuation
// calls. Only the newest segment is re-checked each round. Token usage is
// summed over all calls; a failed continuation returns what was gathered
// so far rather than an error.
func (g *Guard) Generate(ctx context.Context, system, prompt string, opts GenerateOptions) (Completion, error) {
	comp, err := g.gen.Generate(ctx, system, prompt, opts)
	if err != nil {
		return Completion{}, err
	}

	total := comp
	segment := comp.Text
	for round := 0; round < g.maxRounds; round++ {
		if !g.heuristic.IsLikelyTruncated(segment, len(prompt)) {
			return total, nil
		}
		g.logger.Printf("response looks truncated, requesting continuation (round %d/%d)", round+1, g.maxRounds)

		contOpts := opts
		contOpts.Context = append(append([]string{}, opts.Context...), system, prompt, total.Text)
		cont, cerr := g.gen.Generate(ctx, system, continuationPrompt, contOpts)
		if cerr != nil {
			g.logger.Printf("continuation failed, returning partial result: %v", cerr)
			return total, nil
		}
		segment = cont.Text
		total.Text += cont.Text
		total.PromptTokens += cont.PromptTokens
		total.CompletionTokens += cont.CompletionTokens
	}
	return total, nil
}
