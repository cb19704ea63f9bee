package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkerAgent is the shared implementation behind the four pipeline
// agents. The kind selects the prompt builder and the artifact mapping;
// everything else (guarded generation, lenient JSON parsing, token and
// cost accounting) is common.
type WorkerAgent struct {
	kind   AgentKind
	gen    Generator
	router *Router
	logger *log.Logger
}

// NewWorkerAgent builds an agent of the given kind on top of a guarded
// generator.
func NewWorkerAgent(kind AgentKind, gen Generator, router *Router, logger *log.Logger) *WorkerAgent {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	return &WorkerAgent{kind: kind, gen: gen, router: router, logger: logger}
}

// NewPipelineAgents builds the standard agent set keyed by kind.
func NewPipelineAgents(gen Generator, router *Router, logger *log.Logger) map[AgentKind]Agent {
	out := make(map[AgentKind]Agent, 4)
	for _, k := range []AgentKind{KindDiscovery, KindAnalysis, KindSynthesis, KindVerification} {
		out[k] = NewWorkerAgent(k, gen, router, logger)
	}
	return out
}

func (a *WorkerAgent) Kind() AgentKind { return a.kind }

// Execute builds the kind-specific prompt over the session topic,
// preferences and prior artifacts, calls the model, and maps the response
// into typed artifacts plus log entries.
func (a *WorkerAgent) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	system, prompt := a.buildPrompt(task)

	modelKey := ""
	if a.router != nil {
		modelKey = a.router.ModelFor(string(a.kind))
	}

	comp, err := a.gen.Generate(ctx, system, prompt, GenerateOptions{Model: modelKey})
	if err != nil {
		return AgentResult{}, fmt.Errorf("%s agent: %w", a.kind, err)
	}

	res := AgentResult{
		Model:     modelKey,
		TokensIn:  comp.PromptTokens,
		TokensOut: comp.CompletionTokens,
	}
	if a.router != nil {
		res.Cost = a.router.Cost(modelKey, comp.PromptTokens, comp.CompletionTokens)
	}

	parsed := parseLenient(comp.Text)
	res.Artifacts = a.mapArtifacts(task, comp.Text, parsed)
	res.Logs = append(res.Logs, LogEntry{
		SessionID: task.Session.ID,
		Level:     "info",
		Message:   fmt.Sprintf("%s agent produced %d artifact(s)", a.kind, len(res.Artifacts)),
	})
	return res, nil
}

// parseLenient extracts structured fields from model output. Strict JSON
// is preferred; prose responses degrade to an empty map rather than an
// error, the raw text still lands in the artifact content.
func parseLenient(text string) map[string]interface{} {
	raw, err := ExtractJSON(text)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// Top-level arrays get wrapped so metadata stays a map.
		var arr []interface{}
		if aerr := json.Unmarshal([]byte(raw), &arr); aerr == nil {
			return map[string]interface{}{"items": arr}
		}
		return map[string]interface{}{}
	}
	return out
}

func (a *WorkerAgent) buildPrompt(task AgentTask) (system, prompt string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research topic: %s\n", task.Session.Topic)
	if len(task.Session.Preferences) > 0 {
		if b, err := json.Marshal(task.Session.Preferences); err == nil {
			fmt.Fprintf(&sb, "User preferences: %s\n", b)
		}
	}
	if task.UserQuery != "" {
		fmt.Fprintf(&sb, "Focus: %s\n", task.UserQuery)
	}
	for _, art := range task.Prior {
		fmt.Fprintf(&sb, "\nPrior %s:\n%s\n", art.Kind, art.Content)
	}

	switch a.kind {
	case KindDiscovery:
		system = "You are a research discovery agent. Identify the most relevant sources, angles and subtopics for the given topic. Respond with a JSON object: {\"sources\": [{\"title\": ..., \"relevance\": ..., \"credibility\": ...}], \"angles\": [...]}."
		sb.WriteString("\nEvaluate candidate sources and research angles for this topic.")
	case KindAnalysis:
		system = "You are a research analysis agent. Extract the dominant themes and analyze the content gathered so far. Respond with a JSON object: {\"themes\": [...], \"analysis\": ..., \"gaps\": [...]}."
		sb.WriteString("\nAnalyze the prior findings: extract themes and assess the content.")
	case KindSynthesis:
		system = "You are a research synthesis agent. Weave the prior findings into a coherent narrative. Respond with a JSON object: {\"narrative\": ..., \"key_points\": [...], \"language\": \"en\"|\"de\"}."
		sb.WriteString("\nSynthesize the prior findings into a research narrative.")
	case KindVerification:
		system = "You are a fact verification agent. Check the claims in the narrative against the earlier findings. Respond with a JSON object: {\"verified\": [...], \"disputed\": [...], \"confidence\": 0.0-1.0}."
		sb.WriteString("\nVerify the factual claims made in the prior narrative.")
	}
	return system, sb.String()
}

// mapArtifacts turns the raw model text and the parsed fields into the
// typed artifacts this kind owns.
func (a *WorkerAgent) mapArtifacts(task AgentTask, text string, parsed map[string]interface{}) []Artifact {
	now := time.Now().UTC()
	mk := func(kind, content string, meta map[string]interface{}) Artifact {
		return Artifact{
			ID:        uuid.New(),
			SessionID: task.Session.ID,
			Kind:      kind,
			Content:   content,
			Metadata:  meta,
			CreatedAt: now,
		}
	}

	var out []Artifact
	switch a.kind {
	case KindDiscovery:
		out = append(out, mk(ArtifactSourceEvaluation, text, parsed))
		if lang, ok := task.Session.Preferences["language"].(string); ok && lang != "" {
			body, _ := json.Marshal(map[string]string{"language": lang})
			out = append(out, mk(ArtifactLanguageConfig, string(body), map[string]interface{}{"language": lang, "origin": "preferences"}))
		}
	case KindAnalysis:
		themeMeta := map[string]interface{}{}
		if v, ok := parsed["themes"]; ok {
			themeMeta["themes"] = v
		}
		out = append(out, mk(ArtifactThemeAnalysis, text, themeMeta))
		out = append(out, mk(ArtifactContentAnalysis, text, parsed))
	case KindSynthesis:
		narrative := text
		if v, ok := parsed["narrative"].(string); ok && v != "" {
			narrative = v
		}
		out = append(out, mk(ArtifactNarrative, narrative, parsed))
		out = append(out, mk(ArtifactSynthesis, text, parsed))
		if lang, ok := parsed["language"].(string); ok && lang != "" {
			body, _ := json.Marshal(map[string]string{"language": lang})
			out = append(out, mk(ArtifactLanguageConfig, string(body), map[string]interface{}{"language": lang, "origin": "synthesis"}))
		}
	case KindVerification:
		out = append(out, mk(ArtifactVerification, text, parsed))
	}
	return out
}
