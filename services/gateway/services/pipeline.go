// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services implements the request gating pipeline.
//
// The stage order is fixed and synchronous per request:
//
//	input detect → input mask → input safety → (retrieve) → generate →
//	output detect → output mask → output safety + citation → audit
//
// No stage may be skipped or reordered. Concurrency exists only across
// requests; the only shared mutable state is the atomically swapped
// masking policy.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GatewatchAI/Gatewatch/services/audit"
	"github.com/GatewatchAI/Gatewatch/services/citation"
	"github.com/GatewatchAI/Gatewatch/services/detection"
	"github.com/GatewatchAI/Gatewatch/services/gateway/observability"
	"github.com/GatewatchAI/Gatewatch/services/gateway/secure"
	"github.com/GatewatchAI/Gatewatch/services/llm"
	"github.com/GatewatchAI/Gatewatch/services/masking"
	"github.com/GatewatchAI/Gatewatch/services/retrieval"
	"github.com/GatewatchAI/Gatewatch/services/safety"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("gatewatch.pipeline")

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline wires the gating stages together.
//
// # Thread Safety
//
// Safe for concurrent use. Each request gets its own secure buffer and
// audit record; every dependency is itself concurrency-safe.
type Pipeline struct {
	detectors    *detection.Stack
	masker       *masking.Masker
	safety       *safety.Evaluator
	llmClient    llm.LLMClient
	retriever    retrieval.Retriever
	citations    *citation.Validator
	citationMode citation.Mode
	sink         audit.Sink
	metrics      *observability.GateMetrics

	generation llm.GenerationParams
}

// Config carries the pipeline's dependencies. Retriever may be nil
// (context-passthrough mode); Sink may be nil (NopSink).
type Config struct {
	Detectors    *detection.Stack
	Masker       *masking.Masker
	Safety       *safety.Evaluator
	LLMClient    llm.LLMClient
	Retriever    retrieval.Retriever
	CitationMode citation.Mode
	Sink         audit.Sink
	Metrics      *observability.GateMetrics
	Generation   llm.GenerationParams
}

// NewPipeline builds a pipeline from its dependencies.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Sink == nil {
		cfg.Sink = audit.NopSink{}
	}
	if cfg.CitationMode == "" {
		cfg.CitationMode = citation.ModeStrip
	}
	return &Pipeline{
		detectors:    cfg.Detectors,
		masker:       cfg.Masker,
		safety:       cfg.Safety,
		llmClient:    cfg.LLMClient,
		retriever:    cfg.Retriever,
		citations:    citation.NewValidator(cfg.CitationMode),
		citationMode: cfg.CitationMode,
		sink:         cfg.Sink,
		metrics:      cfg.Metrics,
		generation:   cfg.Generation,
	}
}

// GateInput is one request into the pipeline.
type GateInput struct {
	CorrelationID string
	SessionID     string
	Query         string
	Context       []retrieval.ContextChunk
}

// GateResult is the caller-visible success outcome. Everything in it is
// masked and safety-cleared.
type GateResult struct {
	Answer      string
	Sources     []string
	EntityTypes []string
	SafetyFlags []string
}

// Gate runs the full pipeline for one request.
//
// Errors are typed: *detection.DetectionFailureError (fail closed),
// *safety.PolicyViolationError (terminal block), and
// *citation.CitationIntegrityError (reject mode only). Whatever the
// outcome, exactly one audit record is written before Gate returns.
func (p *Pipeline) Gate(ctx context.Context, in GateInput) (*GateResult, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Gate",
		trace.WithAttributes(attribute.String("correlation_id", in.CorrelationID)))
	defer span.End()

	start := time.Now()
	record := audit.NewRecord(in.CorrelationID, in.SessionID, []byte(in.Query))
	defer func() {
		record.DurationMs = time.Since(start).Milliseconds()
		p.writeAudit(ctx, record)
	}()

	// Stage 1+2: input detect and mask. The raw query lives only inside
	// the secure buffer between these stages.
	buf, err := secure.NewBuffer([]byte(in.Query))
	if err != nil {
		record.Outcome = audit.OutcomeDetectionFailure
		span.RecordError(err)
		return nil, &detection.DetectionFailureError{Detector: "buffer", Err: err}
	}
	maskedQuery, inputTypes, err := p.detectAndMask(ctx, "input", buf.String())
	buf.Destroy()
	if err != nil {
		record.Outcome = audit.OutcomeDetectionFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, "input detection failed")
		return nil, err
	}
	record.InputEntities = inputTypes

	// Stage 3: input safety on masked text only.
	inputVerdict, err := p.evaluateSafety(ctx, "input", maskedQuery)
	if err != nil {
		p.recordSafetyFailure(record, "input", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "input safety gate")
		return nil, err
	}
	record.InputSafety = scoresForAudit(inputVerdict.Scores)
	flags := flagsForStage("input", inputVerdict.Flagged)
	record.SafetyFlags = flags

	// Stage 4: retrieval, only when the caller supplied no context.
	chunks := in.Context
	if len(chunks) == 0 && p.retriever != nil {
		chunks, err = p.retrieve(ctx, maskedQuery)
		if err != nil {
			record.Outcome = audit.OutcomeUpstreamFailure
			span.RecordError(err)
			return nil, err
		}
	}
	sources := make([]string, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, c.Source)
	}
	record.Sources = sources

	// Stage 5: generation sees only masked, safety-cleared text.
	answer, err := p.generate(ctx, maskedQuery, chunks)
	if err != nil {
		record.Outcome = audit.OutcomeUpstreamFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, err
	}

	// Stage 6+7: output detect and mask. Models can echo PII from
	// context or synthesize valid-looking identifiers.
	maskedAnswer, outputTypes, err := p.detectAndMask(ctx, "output", answer)
	if err != nil {
		record.Outcome = audit.OutcomeDetectionFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, "output detection failed")
		return nil, err
	}
	record.OutputEntities = outputTypes

	// Stage 8a: output safety.
	outputVerdict, err := p.evaluateSafety(ctx, "output", maskedAnswer)
	if err != nil {
		p.recordSafetyFailure(record, "output", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "output safety gate")
		return nil, err
	}
	record.OutputSafety = scoresForAudit(outputVerdict.Scores)
	flags = append(flags, flagsForStage("output", outputVerdict.Flagged)...)
	record.SafetyFlags = flags

	// Stage 8b: citation validation against the retrieval set.
	finalAnswer, err := p.validateCitations(ctx, record, maskedAnswer, sources)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "citation integrity")
		return nil, err
	}

	record.Outcome = audit.OutcomeAllowed
	return &GateResult{
		Answer:      finalAnswer,
		Sources:     sources,
		EntityTypes: inputTypes,
		SafetyFlags: flags,
	}, nil
}

// Scan runs detect+mask only, for /v1/scan and the CLI. No model call,
// no audit record.
func (p *Pipeline) Scan(ctx context.Context, text string) (masked string, entityTypes []string, err error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Scan")
	defer span.End()
	return p.detectAndMask(ctx, "scan", text)
}

// ScreenDocument gates document content before indexing: detect, mask,
// then safety. Returns the masked content ready for chunking.
func (p *Pipeline) ScreenDocument(ctx context.Context, source, content string) (masked string, entityTypes []string, err error) {
	ctx, span := tracer.Start(ctx, "Pipeline.ScreenDocument",
		trace.WithAttributes(attribute.String("document.source", source)))
	defer span.End()

	masked, entityTypes, err = p.detectAndMask(ctx, "document", content)
	if err != nil {
		span.RecordError(err)
		return "", nil, err
	}
	if _, err = p.evaluateSafety(ctx, "input", masked); err != nil {
		span.RecordError(err)
		return "", nil, err
	}
	return masked, entityTypes, nil
}

// =============================================================================
// Stages
// =============================================================================

// detectAndMask runs the detector stack and masks the findings. A
// detector failure propagates unchanged: the caller must fail closed,
// never return partially masked text.
func (p *Pipeline) detectAndMask(ctx context.Context, stage, text string) (string, []string, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.detect",
		trace.WithAttributes(attribute.String("pipeline.stage", stage)))
	defer span.End()
	defer p.observeStage("detect_"+stage, time.Now())

	spans, err := p.detectors.Detect(ctx, text)
	if err != nil {
		if dfe, ok := err.(*detection.DetectionFailureError); ok && p.metrics != nil {
			p.metrics.RecordDetectorError(dfe.Detector)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "detector failure")
		return "", nil, err
	}
	if p.metrics != nil {
		for _, s := range spans {
			p.metrics.RecordEntities(string(s.Type), s.Detector, 1)
		}
	}

	maskStart := time.Now()
	result := p.masker.Apply(text, spans)
	p.observeStage("mask_"+stage, maskStart)

	span.SetAttributes(attribute.Int("detection.spans", len(spans)))
	return result.Masked, result.EntityTypes, nil
}

// evaluateSafety runs the safety evaluator for one stage and updates
// block/flag metrics.
func (p *Pipeline) evaluateSafety(ctx context.Context, stage, text string) (*safety.Verdict, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.safety",
		trace.WithAttributes(attribute.String("pipeline.stage", stage)))
	defer span.End()
	defer p.observeStage("safety_"+stage, time.Now())

	verdict, err := p.safety.Evaluate(ctx, stage, text)
	if err != nil {
		if pv, ok := err.(*safety.PolicyViolationError); ok && p.metrics != nil {
			for _, cat := range pv.Categories {
				p.metrics.RecordSafetyBlock(stage, string(cat))
			}
		}
		return nil, err
	}
	if p.metrics != nil {
		for _, cat := range verdict.Flagged {
			p.metrics.RecordSafetyFlag(stage, string(cat))
		}
	}
	return verdict, nil
}

// retrieve fetches context chunks for the masked query.
func (p *Pipeline) retrieve(ctx context.Context, maskedQuery string) ([]retrieval.ContextChunk, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.retrieve")
	defer span.End()
	defer p.observeStage("retrieve", time.Now())

	chunks, err := p.retriever.Retrieve(ctx, maskedQuery, 5)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("context retrieval failed: %w", err)
	}
	return chunks, nil
}

// generate invokes the model with the masked query and context.
func (p *Pipeline) generate(ctx context.Context, maskedQuery string, chunks []retrieval.ContextChunk) (string, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.generate")
	defer span.End()
	defer p.observeStage("generate", time.Now())

	answer, err := p.llmClient.Generate(ctx, buildPrompt(maskedQuery, chunks), p.generation)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("generation failed: %w", err)
	}
	return answer, nil
}

// validateCitations checks the masked answer against the retrieval set
// and applies the configured mode.
func (p *Pipeline) validateCitations(ctx context.Context, record *audit.Record, answer string, sources []string) (string, error) {
	_, span := tracer.Start(ctx, "Pipeline.citations")
	defer span.End()
	defer p.observeStage("citation", time.Now())

	result, err := p.citations.Validate(answer, sources)
	if err != nil {
		if ce, ok := err.(*citation.CitationIntegrityError); ok {
			record.Outcome = audit.OutcomeCitationRejected
			record.CitationViolations = ce.Labels
			if p.metrics != nil {
				p.metrics.RecordCitationViolations(string(p.citationMode), len(ce.Labels))
			}
		}
		return "", err
	}
	if len(result.Violations) > 0 {
		record.CitationViolations = result.Violations
		if p.metrics != nil {
			p.metrics.RecordCitationViolations(string(p.citationMode), len(result.Violations))
		}
		slog.Warn("Stripped citations to non-retrieved sources",
			"correlation_id", record.CorrelationID,
			"count", len(result.Violations))
	}
	return result.Answer, nil
}

// writeAudit writes the record to the sink. A sink failure is logged
// and counted but never re-opens the gate decision.
func (p *Pipeline) writeAudit(ctx context.Context, record *audit.Record) {
	defer p.observeStage("audit", time.Now())
	if err := p.sink.Write(ctx, record); err != nil {
		if p.metrics != nil {
			p.metrics.RecordAuditWriteFailure()
		}
		slog.Error("Failed to write audit record",
			"correlation_id", record.CorrelationID, "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// buildPrompt numbers context chunks so the model can cite them as
// [Document n: source].
func buildPrompt(maskedQuery string, chunks []retrieval.ContextChunk) string {
	if len(chunks) == 0 {
		return maskedQuery
	}
	var b strings.Builder
	b.WriteString("Answer the question using only the context below. Cite sources as [Document n: source].\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[Document %d: %s]\n%s\n\n", i+1, c.Source, c.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(maskedQuery)
	return b.String()
}

// recordSafetyFailure distinguishes a policy block from a scorer outage
// in the audit outcome.
func (p *Pipeline) recordSafetyFailure(record *audit.Record, stage string, err error) {
	if pv, ok := err.(*safety.PolicyViolationError); ok {
		if stage == "input" {
			record.Outcome = audit.OutcomeBlockedInput
		} else {
			record.Outcome = audit.OutcomeBlockedOutput
		}
		for _, cat := range pv.Categories {
			record.SafetyFlags = append(record.SafetyFlags, stage+":"+string(cat))
		}
		return
	}
	record.Outcome = audit.OutcomeDetectionFailure
}

// flagsForStage prefixes flagged categories with their stage for the
// response and audit record.
func flagsForStage(stage string, cats []safety.Category) []string {
	flags := make([]string, 0, len(cats))
	for _, cat := range cats {
		flags = append(flags, stage+":"+string(cat))
	}
	return flags
}

// scoresForAudit converts a score set to the audit record's plain map.
func scoresForAudit(scores safety.Scores) map[string]int {
	out := make(map[string]int, len(scores))
	for cat, sev := range scores {
		out[string(cat)] = int(sev)
	}
	return out
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, time.Since(start).Seconds())
	}
}
