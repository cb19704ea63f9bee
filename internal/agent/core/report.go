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

// Report section buckets, in outline priority order. Conclusions are
// always appended last and are mandatory.
const (
	BucketSources      = "sources"
	BucketAnalysis     = "analysis"
	BucketNarrative    = "narrative"
	BucketVerification = "verification"
	BucketOther        = "other"
)

var bucketOrder = []string{BucketSources, BucketAnalysis, BucketNarrative, BucketVerification, BucketOther}

var bucketTitles = map[string]map[string]string{
	"en": {
		BucketSources:      "Sources",
		BucketAnalysis:     "Analysis",
		BucketNarrative:    "Narrative",
		BucketVerification: "Verification",
		BucketOther:        "Additional Findings",
		"conclusions":      "Conclusions",
		"summary":          "Executive Summary",
		"toc":              "Table of Contents",
	},
	"de": {
		BucketSources:      "Quellen",
		BucketAnalysis:     "Analyse",
		BucketNarrative:    "Darstellung",
		BucketVerification: "Verifikation",
		BucketOther:        "Weitere Ergebnisse",
		"conclusions":      "Fazit",
		"summary":          "Zusammenfassung",
		"toc":              "Inhaltsverzeichnis",
	},
}

// AssemblerConfig tunes report generation.
type AssemblerConfig struct {
	SectionCharLimit  int    // material above this gets chunked
	ChunkCharLimit    int    // max characters per chunk
	ChunkOverlapLines int    // trailing lines repeated into the next chunk
	FallbackLanguage  string // used when nothing indicates a language
}

type reportSection struct {
	title string
	body  string
	ok    bool
}

// QualityReport is the advisory quality check attached to the summary.
type QualityReport struct {
	Score           int      `json:"score"` // 0-100
	Recommendations []string `json:"recommendations,omitempty"`
}

// Assembler builds the final research report from a session's artifacts.
type Assembler struct {
	gen    Generator
	router *Router
	cfg    AssemblerConfig
	logger *log.Logger
}

// NewAssembler builds a report assembler over a guarded generator.
func NewAssembler(gen Generator, router *Router, cfg AssemblerConfig, logger *log.Logger) *Assembler {
	if cfg.SectionCharLimit <= 0 {
		cfg.SectionCharLimit = 6000
	}
	if cfg.ChunkCharLimit <= 0 {
		cfg.ChunkCharLimit = 4000
	}
	if cfg.ChunkOverlapLines <= 0 {
		cfg.ChunkOverlapLines = 2
	}
	if cfg.FallbackLanguage == "" {
		cfg.FallbackLanguage = "en"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[REPORT] ", log.LstdFlags)
	}
	return &Assembler{gen: gen, router: router, cfg: cfg, logger: logger}
}

// AssembleResult carries the summary artifact and its accounting.
type AssembleResult struct {
	Artifact  Artifact
	Quality   QualityReport
	Language  string
	TokensIn  int
	TokensOut int
	Cost      float64
}

// Assemble categorizes artifacts into buckets, resolves the report
// language, generates each section (chunking oversized material), and
// produces the research_summary artifact. Individual section failures
// degrade to placeholders; Assemble itself fails only when every section
// fails or the context is cancelled.
func (a *Assembler) Assemble(ctx context.Context, session *Session, artifacts []Artifact) (AssembleResult, error) {
	buckets := Categorize(artifacts)
	lang := a.resolveLanguage(artifacts)
	titles := bucketTitles[lang]
	if titles == nil {
		titles = bucketTitles["en"]
	}

	modelKey := ""
	if a.router != nil {
		modelKey = a.router.ModelFor("report")
	}

	var res AssembleResult
	res.Language = lang

	var sections []reportSection
	failures := 0

	genSection := func(title, instruction, material string) reportSection {
		body, tin, tout, err := a.generateSection(ctx, session, lang, modelKey, instruction, material)
		res.TokensIn += tin
		res.TokensOut += tout
		if err != nil {
			if ctx.Err() != nil {
				return reportSection{title: title}
			}
			a.logger.Printf("section %q failed: %v", title, err)
			failures++
			return reportSection{title: title, body: fmt.Sprintf("section failed: %v", err), ok: false}
		}
		return reportSection{title: title, body: body, ok: true}
	}

	for _, bucket := range bucketOrder {
		arts := buckets[bucket]
		if len(arts) == 0 {
			continue
		}
		material := joinArtifacts(arts)
		instruction := fmt.Sprintf("Write the %q section of a research report on %q based on the material below. Write in %s prose.", titles[bucket], session.Topic, languageName(lang))
		sec := genSection(titles[bucket], instruction, material)
		if ctx.Err() != nil {
			return AssembleResult{}, ctx.Err()
		}
		sections = append(sections, sec)
	}

	// Conclusions are mandatory and draw on a condensed view of every
	// bucket, never on raw artifact dumps.
	var conclMaterial strings.Builder
	for _, s := range sections {
		if s.ok {
			fmt.Fprintf(&conclMaterial, "%s:\n%s\n\n", s.title, condense(s.body, conclusionSampleChars))
		}
	}
	if conclMaterial.Len() == 0 {
		// No section survived yet; fall back to truncated bucket digests.
		for _, bucket := range bucketOrder {
			if arts := buckets[bucket]; len(arts) > 0 {
				fmt.Fprintf(&conclMaterial, "%s:\n%s\n\n", titles[bucket], condense(joinArtifacts(arts), conclusionSampleChars))
			}
		}
	}
	conclusions := genSection(titles["conclusions"],
		fmt.Sprintf("Write the concluding section of a research report on %q. State the key findings and their implications in %s.", session.Topic, languageName(lang)),
		conclMaterial.String())
	if ctx.Err() != nil {
		return AssembleResult{}, ctx.Err()
	}
	sections = append(sections, conclusions)

	okCount := 0
	for _, s := range sections {
		if s.ok {
			okCount++
		}
	}
	if okCount == 0 {
		return AssembleResult{}, fmt.Errorf("report assembly failed: no section could be generated")
	}

	// Executive summary only for reports with more than two sections,
	// generated from a bounded sample of each section rather than the
	// full text.
	var summary string
	if len(sections) > 2 {
		var material strings.Builder
		for _, s := range sections {
			if s.ok {
				material.WriteString(condense(s.body, summarySampleChars))
				material.WriteString("\n\n")
			}
		}
		sec := genSection(titles["summary"],
			fmt.Sprintf("Write a short executive summary of the following research report on %q in %s.", session.Topic, languageName(lang)),
			material.String())
		if sec.ok {
			summary = sec.body
		}
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "# %s\n\n", session.Topic)
	if summary != "" {
		fmt.Fprintf(&doc, "## %s\n\n%s\n\n", titles["summary"], summary)
	}
	fmt.Fprintf(&doc, "## %s\n\n", titles["toc"])
	for i, s := range sections {
		fmt.Fprintf(&doc, "%d. %s\n", i+1, s.title)
	}
	doc.WriteString("\n")
	for _, s := range sections {
		fmt.Fprintf(&doc, "## %s\n\n%s\n\n", s.title, s.body)
	}

	res.Quality = a.qualityCheck(doc.String(), sections, summary, lang, buckets, titles)
	if a.router != nil {
		res.Cost = a.router.Cost(modelKey, res.TokensIn, res.TokensOut)
	}

	res.Artifact = Artifact{
		ID:        uuid.New(),
		SessionID: session.ID,
		Kind:      ArtifactSummary,
		Content:   doc.String(),
		Metadata: map[string]interface{}{
			"language":        lang,
			"sections":        len(sections),
			"failed_sections": failures,
			"quality_score":   res.Quality.Score,
			"recommendations": res.Quality.Recommendations,
			"model":           modelKey,
		},
		CreatedAt: time.Now().UTC(),
	}
	return res, nil
}

// generateSection runs one or more model calls for a section, chunking
// material that exceeds the section limit.
func (a *Assembler) generateSection(ctx context.Context, session *Session, lang, modelKey, instruction, material string) (body string, tokensIn, tokensOut int, err error) {
	system := fmt.Sprintf("You are a research report writer. Write clear %s prose. Do not invent facts beyond the provided material.", languageName(lang))

	if len(material) <= a.cfg.SectionCharLimit {
		comp, gerr := a.gen.Generate(ctx, system, instruction+"\n\nMaterial:\n"+material, GenerateOptions{Model: modelKey})
		if gerr != nil {
			return "", comp.PromptTokens, comp.CompletionTokens, gerr
		}
		return strings.TrimSpace(comp.Text), comp.PromptTokens, comp.CompletionTokens, nil
	}

	chunks := ChunkLines(material, a.cfg.ChunkCharLimit, a.cfg.ChunkOverlapLines)
	a.logger.Printf("section material %d chars, split into %d chunks", len(material), len(chunks))

	var parts []string
	for i, chunk := range chunks {
		part := fmt.Sprintf("%s\n\nThis is part %d of %d of the material. Cover only this part.\n\nMaterial:\n%s", instruction, i+1, len(chunks), chunk)
		comp, gerr := a.gen.Generate(ctx, system, part, GenerateOptions{Model: modelKey})
		tokensIn += comp.PromptTokens
		tokensOut += comp.CompletionTokens
		if gerr != nil {
			if len(parts) > 0 {
				// Keep what we have; the chunk failure degrades the section
				// rather than losing it entirely.
				a.logger.Printf("chunk %d/%d failed, keeping %d generated part(s): %v", i+1, len(chunks), len(parts), gerr)
				break
			}
			return "", tokensIn, tokensOut, gerr
		}
		parts = append(parts, strings.TrimSpace(comp.Text))
	}
	return strings.Join(parts, "\n\n"), tokensIn, tokensOut, nil
}

// Categorize maps artifacts into report buckets. The summary and language
// configuration artifacts are control data, not report material.
func Categorize(artifacts []Artifact) map[string][]Artifact {
	out := make(map[string][]Artifact)
	for _, art := range artifacts {
		switch art.Kind {
		case ArtifactSourceEvaluation:
			out[BucketSources] = append(out[BucketSources], art)
		case ArtifactThemeAnalysis, ArtifactContentAnalysis:
			out[BucketAnalysis] = append(out[BucketAnalysis], art)
		case ArtifactNarrative, ArtifactSynthesis:
			out[BucketNarrative] = append(out[BucketNarrative], art)
		case ArtifactVerification:
			out[BucketVerification] = append(out[BucketVerification], art)
		case ArtifactLanguageConfig, ArtifactSummary:
			// control artifacts, skipped
		default:
			out[BucketOther] = append(out[BucketOther], art)
		}
	}
	return out
}

// resolveLanguage picks the report language: an explicit
// language_configuration artifact wins, then lexical inference over the
// artifact text, then the configured fallback.
func (a *Assembler) resolveLanguage(artifacts []Artifact) string {
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].Kind != ArtifactLanguageConfig {
			continue
		}
		if lang, ok := artifacts[i].Metadata["language"].(string); ok && supportedLanguage(lang) {
			return lang
		}
		var body struct {
			Language string `json:"language"`
		}
		if err := json.Unmarshal([]byte(artifacts[i].Content), &body); err == nil && supportedLanguage(body.Language) {
			return body.Language
		}
	}

	var sb strings.Builder
	for _, art := range artifacts {
		sb.WriteString(art.Content)
		sb.WriteString(" ")
	}
	if lang := InferLanguage(sb.String()); lang != "" {
		return lang
	}
	return a.cfg.FallbackLanguage
}

func supportedLanguage(lang string) bool { return lang == "en" || lang == "de" }

func languageName(lang string) string {
	if lang == "de" {
		return "German"
	}
	return "English"
}

var (
	germanMarkers  = []string{" der ", " die ", " das ", " und ", " nicht ", " eine ", " ist ", " mit ", " für ", " wurde ", " werden ", " über "}
	englishMarkers = []string{" the ", " and ", " not ", " is ", " with ", " for ", " was ", " were ", " about ", " this ", " that ", " of "}
)

// InferLanguage counts lexical markers and returns "en" or "de", or ""
// when the text carries no signal.
func InferLanguage(text string) string {
	lower := " " + strings.ToLower(text) + " "
	de, en := 0, 0
	for _, m := range germanMarkers {
		de += strings.Count(lower, m)
	}
	for _, m := range englishMarkers {
		en += strings.Count(lower, m)
	}
	switch {
	case de == 0 && en == 0:
		return ""
	case de > en:
		return "de"
	default:
		return "en"
	}
}

// ChunkLines splits text into chunks of at most maxChars, breaking on line
// boundaries and repeating the last overlapLines lines of each chunk at
// the head of the next. A single line longer than maxChars becomes its own
// chunk.
func ChunkLines(text string, maxChars, overlapLines int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}
	lines := strings.Split(text, "\n")

	var chunks []string
	var cur []string
	curLen := 0

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, "\n"))
		}
	}
	// seed starts the next chunk with the trailing lines for continuity,
	// trimmed from the front so the overlap never exceeds budget.
	seed := func(budget int) {
		start := len(cur) - overlapLines
		if start < 0 {
			start = 0
		}
		next := append([]string{}, cur[start:]...)
		nextLen := 0
		for _, l := range next {
			nextLen += len(l) + 1
		}
		for len(next) > 0 && nextLen > budget {
			nextLen -= len(next[0]) + 1
			next = next[1:]
		}
		cur, curLen = next, nextLen
	}

	for _, line := range lines {
		lineLen := len(line) + 1
		if lineLen > maxChars {
			// A single line longer than the limit becomes its own chunk.
			flush()
			chunks = append(chunks, line)
			cur, curLen = nil, 0
			continue
		}
		if curLen > 0 && curLen+lineLen > maxChars {
			flush()
			seed(maxChars - lineLen)
		}
		cur = append(cur, line)
		curLen += lineLen
	}
	flush()
	return chunks
}

// qualityCheck scores the assembled report 0-100 on structure, language
// consistency and completeness, with recommendations for anything it
// dings. Advisory only.
func (a *Assembler) qualityCheck(doc string, sections []reportSection, summary, lang string, buckets map[string][]Artifact, titles map[string]string) QualityReport {
	score := 100
	var recs []string

	// Structural checks over the assembled document.
	if !strings.HasPrefix(doc, "# ") {
		score -= 10
		recs = append(recs, "report has no title heading")
	}
	if !strings.Contains(doc, "1. ") {
		score -= 10
		recs = append(recs, "table of contents has no numbered sections")
	}
	if !strings.Contains(doc, "## "+titles["conclusions"]) {
		score -= 10
		recs = append(recs, "report has no conclusions section")
	}

	// Completeness: non-trivial length and no cut-off tail.
	if len(doc) < minReportChars {
		score -= 10
		recs = append(recs, "report text is implausibly short")
	}
	if (LexicalHeuristic{}).IsLikelyTruncated(doc, 0) {
		score -= 10
		recs = append(recs, "report text appears cut off")
	}

	failed := 0
	for _, s := range sections {
		if !s.ok {
			failed++
		}
	}
	if failed > 0 {
		score -= 20 * failed
		recs = append(recs, fmt.Sprintf("%d section(s) failed to generate; re-run the session to fill them in", failed))
	}

	for _, bucket := range []string{BucketSources, BucketNarrative, BucketVerification} {
		if len(buckets[bucket]) == 0 {
			score -= 10
			recs = append(recs, fmt.Sprintf("no %s material was available for the report", bucket))
		}
	}

	if len(sections) > 2 && summary == "" {
		score -= 5
		recs = append(recs, "executive summary could not be generated")
	}

	// Language consistency: sample the generated prose and compare.
	var sb strings.Builder
	for _, s := range sections {
		if s.ok {
			sb.WriteString(s.body)
			sb.WriteString(" ")
		}
	}
	if inferred := InferLanguage(sb.String()); inferred != "" && inferred != lang {
		score -= 15
		recs = append(recs, fmt.Sprintf("report language drifted: configured %s but text reads as %s", lang, inferred))
	}

	if score < 0 {
		score = 0
	}
	return QualityReport{Score: score, Recommendations: recs}
}

// Sample sizes for condensed section material.
const (
	conclusionSampleChars = 1200
	summarySampleChars    = 800
	minReportChars        = 300
)

// condense truncates s to at most max characters, cutting at the last
// line or word boundary past the halfway point.
func condense(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexAny(cut, "\n "); idx > max/2 {
		cut = cut[:idx]
	}
	return cut
}

func joinArtifacts(arts []Artifact) string {
	var sb strings.Builder
	for _, a := range arts {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", a.Kind, a.Content)
	}
	return sb.String()
}
