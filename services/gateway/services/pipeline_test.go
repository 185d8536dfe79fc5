// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/GatewatchAI/Gatewatch/services/audit"
	"github.com/GatewatchAI/Gatewatch/services/citation"
	"github.com/GatewatchAI/Gatewatch/services/detection"
	"github.com/GatewatchAI/Gatewatch/services/llm"
	"github.com/GatewatchAI/Gatewatch/services/masking"
	"github.com/GatewatchAI/Gatewatch/services/retrieval"
	"github.com/GatewatchAI/Gatewatch/services/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

// stubScorer returns fixed severity scores, or an error.
type stubScorer struct {
	scores safety.Scores
	err    error
}

func (s *stubScorer) Score(ctx context.Context, text string) (safety.Scores, error) {
	if s.err != nil {
		return nil, s.err
	}
	scores := make(safety.Scores, len(safety.Categories))
	for _, cat := range safety.Categories {
		scores[cat] = s.scores[cat]
	}
	return scores, nil
}

// stubLLM records the prompt it was handed and returns a fixed answer.
type stubLLM struct {
	answer string
	err    error
	called bool
	prompt string
}

func (s *stubLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	s.called = true
	s.prompt = prompt
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

// forbiddenLLM fails the test if the pipeline ever invokes the model.
type forbiddenLLM struct {
	t *testing.T
}

func (f *forbiddenLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.t.Errorf("model invoked after the pipeline should have terminated, prompt: %q", prompt)
	return "", errors.New("must not be called")
}

// captureSink keeps every audit record it receives.
type captureSink struct {
	records []*audit.Record
}

func (c *captureSink) Write(ctx context.Context, record *audit.Record) error {
	c.records = append(c.records, record)
	return nil
}

func (c *captureSink) Close() error { return nil }

// failingDetector always errors, simulating a recognizer outage.
type failingDetector struct{}

func (failingDetector) Name() string { return "recognizer" }

func (failingDetector) Detect(ctx context.Context, text string) ([]detection.Span, error) {
	return nil, errors.New("connection refused")
}

// failingRetriever simulates a Weaviate outage.
type failingRetriever struct{}

func (failingRetriever) Retrieve(ctx context.Context, query string, limit int) ([]retrieval.ContextChunk, error) {
	return nil, errors.New("weaviate unreachable")
}

// newTestPipeline assembles a pipeline with the real pattern detector and
// default masking policy around the given doubles.
func newTestPipeline(t *testing.T, client llm.LLMClient, scorer safety.Scorer,
	mode citation.Mode, sink audit.Sink) *Pipeline {
	t.Helper()

	pd, err := detection.NewPatternDetector()
	require.NoError(t, err)

	return NewPipeline(Config{
		Detectors:    detection.NewStackWith(pd),
		Masker:       masking.NewMasker(masking.MustDefaultPolicy()),
		Safety:       safety.NewEvaluator(scorer, safety.DefaultThresholds()),
		LLMClient:    client,
		CitationMode: mode,
		Sink:         sink,
	})
}

// =============================================================================
// Gate Tests
// =============================================================================

// TestGate_MasksInputBeforeModel verifies the model only ever sees masked
// text and the audit record carries entity types, never values.
func TestGate_MasksInputBeforeModel(t *testing.T) {
	client := &stubLLM{answer: "Here is some guidance."}
	sink := &captureSink{}
	p := newTestPipeline(t, client, &stubScorer{}, citation.ModeStrip, sink)

	result, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-1",
		Query:         "My SSN is 123-45-6789 and my card is 4111-1111-1111-1111",
	})
	require.NoError(t, err)

	require.True(t, client.called)
	assert.Contains(t, client.prompt, "***-**-6789")
	assert.Contains(t, client.prompt, "****-****-****-1111")
	assert.NotContains(t, client.prompt, "123-45-6789")
	assert.NotContains(t, client.prompt, "4111-1111-1111-1111")

	assert.Equal(t, []string{"CREDIT_CARD", "SSN"}, result.EntityTypes)
	assert.Equal(t, "Here is some guidance.", result.Answer)

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.Equal(t, audit.OutcomeAllowed, record.Outcome)
	assert.Equal(t, []string{"CREDIT_CARD", "SSN"}, record.InputEntities)
	assert.Equal(t, audit.HashQuery([]byte("My SSN is 123-45-6789 and my card is 4111-1111-1111-1111")), record.QueryHash)
}

// TestGate_BlockedInputNeverInvokesModel verifies a safety block at the
// input stage terminates before generation and audits as blocked_input.
func TestGate_BlockedInputNeverInvokesModel(t *testing.T) {
	sink := &captureSink{}
	scorer := &stubScorer{scores: safety.Scores{safety.CategoryViolence: safety.SeverityHigh}}
	p := newTestPipeline(t, &forbiddenLLM{t: t}, scorer, citation.ModeStrip, sink)

	_, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-2",
		Query:         "some harmful request",
	})
	require.Error(t, err)
	assert.True(t, safety.IsPolicyViolation(err))

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.Equal(t, audit.OutcomeBlockedInput, record.Outcome)
	assert.Contains(t, record.SafetyFlags, "input:violence")
}

// TestGate_DetectorFailureFailsClosed verifies a detector outage refuses
// the request instead of passing unscanned text to the model.
func TestGate_DetectorFailureFailsClosed(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(Config{
		Detectors: detection.NewStackWith(failingDetector{}),
		Masker:    masking.NewMasker(masking.MustDefaultPolicy()),
		Safety:    safety.NewEvaluator(&stubScorer{}, safety.DefaultThresholds()),
		LLMClient: &forbiddenLLM{t: t},
		Sink:      sink,
	})

	_, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-3",
		Query:         "anything at all",
	})
	require.Error(t, err)

	var dfe *detection.DetectionFailureError
	require.ErrorAs(t, err, &dfe)
	assert.Equal(t, "recognizer", dfe.Detector)

	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.OutcomeDetectionFailure, sink.records[0].Outcome)
}

// TestGate_ScorerOutageIsTerminal verifies an unscored request is refused,
// not waved through, and is distinguishable from a policy block.
func TestGate_ScorerOutageIsTerminal(t *testing.T) {
	sink := &captureSink{}
	scorer := &stubScorer{err: errors.New("scorer down")}
	p := newTestPipeline(t, &forbiddenLLM{t: t}, scorer, citation.ModeStrip, sink)

	_, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-4",
		Query:         "hello",
	})
	require.Error(t, err)
	assert.False(t, safety.IsPolicyViolation(err))

	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.OutcomeDetectionFailure, sink.records[0].Outcome)
}

// TestGate_GenerationFailureAuditsUpstream verifies a model outage is
// recorded as an upstream failure, not a detection one.
func TestGate_GenerationFailureAuditsUpstream(t *testing.T) {
	sink := &captureSink{}
	client := &stubLLM{err: errors.New("model backend down")}
	p := newTestPipeline(t, client, &stubScorer{}, citation.ModeStrip, sink)

	_, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-10",
		Query:         "hello",
	})
	require.Error(t, err)

	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.OutcomeUpstreamFailure, sink.records[0].Outcome)
}

// TestGate_RetrievalFailureAuditsUpstream verifies a retrieval outage is
// terminal, skips the model, and is recorded as an upstream failure.
func TestGate_RetrievalFailureAuditsUpstream(t *testing.T) {
	sink := &captureSink{}
	pd, err := detection.NewPatternDetector()
	require.NoError(t, err)
	p := NewPipeline(Config{
		Detectors: detection.NewStackWith(pd),
		Masker:    masking.NewMasker(masking.MustDefaultPolicy()),
		Safety:    safety.NewEvaluator(&stubScorer{}, safety.DefaultThresholds()),
		LLMClient: &forbiddenLLM{t: t},
		Retriever: failingRetriever{},
		Sink:      sink,
	})

	_, err = p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-11",
		Query:         "what does the handbook say?",
	})
	require.Error(t, err)

	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.OutcomeUpstreamFailure, sink.records[0].Outcome)
}

// TestGate_MasksModelOutput verifies PII synthesized or echoed by the
// model is masked before the answer leaves the gateway.
func TestGate_MasksModelOutput(t *testing.T) {
	client := &stubLLM{answer: "The SSN on file is 123-45-6789."}
	sink := &captureSink{}
	p := newTestPipeline(t, client, &stubScorer{}, citation.ModeStrip, sink)

	result, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-5",
		Query:         "what is on file?",
	})
	require.NoError(t, err)

	assert.NotContains(t, result.Answer, "123-45-6789")
	assert.Contains(t, result.Answer, "***-**-6789")

	require.Len(t, sink.records, 1)
	assert.Equal(t, []string{"SSN"}, sink.records[0].OutputEntities)
}

// TestGate_StripRemovesUnresolvedCitations verifies strip mode rewrites
// the answer, records the violation, and still allows the request.
func TestGate_StripRemovesUnresolvedCitations(t *testing.T) {
	client := &stubLLM{answer: "Covered in [1] and [3]."}
	sink := &captureSink{}
	p := newTestPipeline(t, client, &stubScorer{}, citation.ModeStrip, sink)

	result, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-6",
		Query:         "summarize the handbook",
		Context: []retrieval.ContextChunk{
			{Content: "Vacation policy text.", Source: "handbook.pdf"},
		},
	})
	require.NoError(t, err)

	assert.NotContains(t, result.Answer, "[3]")
	assert.Contains(t, result.Answer, "[1]")
	assert.Equal(t, []string{"handbook.pdf"}, result.Sources)

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.Equal(t, audit.OutcomeAllowed, record.Outcome)
	assert.Equal(t, []string{"[3]"}, record.CitationViolations)
}

// TestGate_RejectModeFailsOnInvalidCitation verifies reject mode turns an
// unresolved citation into a terminal integrity error.
func TestGate_RejectModeFailsOnInvalidCitation(t *testing.T) {
	client := &stubLLM{answer: "See [Document 2: missing.pdf]."}
	sink := &captureSink{}
	p := newTestPipeline(t, client, &stubScorer{}, citation.ModeReject, sink)

	_, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-7",
		Query:         "cite your sources",
		Context: []retrieval.ContextChunk{
			{Content: "Only document.", Source: "present.pdf"},
		},
	})
	require.Error(t, err)

	var ce *citation.CitationIntegrityError
	require.ErrorAs(t, err, &ce)

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.Equal(t, audit.OutcomeCitationRejected, record.Outcome)
	assert.NotEmpty(t, record.CitationViolations)
}

// TestGate_ContextReachesPrompt verifies caller-supplied context is
// numbered into the prompt for citation.
func TestGate_ContextReachesPrompt(t *testing.T) {
	client := &stubLLM{answer: "Answer per [Document 1: kb.md]."}
	p := newTestPipeline(t, client, &stubScorer{}, citation.ModeStrip, audit.NopSink{})

	_, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-8",
		Query:         "how do refunds work?",
		Context: []retrieval.ContextChunk{
			{Content: "Refunds take 5 days.", Source: "kb.md"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, client.prompt, "[Document 1: kb.md]")
	assert.Contains(t, client.prompt, "Refunds take 5 days.")
	assert.True(t, strings.HasSuffix(client.prompt, "how do refunds work?"))
}

// TestGate_AuditNeverStoresRawQuery verifies no raw PII value reaches the
// audit sink in any field.
func TestGate_AuditNeverStoresRawQuery(t *testing.T) {
	client := &stubLLM{answer: "ok"}
	sink := &captureSink{}
	p := newTestPipeline(t, client, &stubScorer{}, citation.ModeStrip, sink)

	_, err := p.Gate(context.Background(), GateInput{
		CorrelationID: "corr-9",
		Query:         "card 4111-1111-1111-1111 and email jane@example.com",
	})
	require.NoError(t, err)

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.NotContains(t, record.QueryHash, "4111")
	for _, entity := range record.InputEntities {
		assert.NotContains(t, entity, "4111")
		assert.NotContains(t, entity, "@")
	}
}

// =============================================================================
// Scan and Document Screening Tests
// =============================================================================

// TestScan_MasksWithoutModelOrAudit verifies Scan touches neither the
// model nor the audit sink.
func TestScan_MasksWithoutModelOrAudit(t *testing.T) {
	sink := &captureSink{}
	p := newTestPipeline(t, &forbiddenLLM{t: t}, &stubScorer{}, citation.ModeStrip, sink)

	masked, types, err := p.Scan(context.Background(), "Reach me at 555-867-5309.")
	require.NoError(t, err)

	assert.NotContains(t, masked, "555-867-5309")
	assert.Contains(t, types, "PHONE")
	assert.Empty(t, sink.records)
}

// TestScreenDocument_BlocksUnsafeContent verifies safety-blocked documents
// never reach the indexer.
func TestScreenDocument_BlocksUnsafeContent(t *testing.T) {
	scorer := &stubScorer{scores: safety.Scores{safety.CategoryHate: safety.SeverityHigh}}
	p := newTestPipeline(t, &forbiddenLLM{t: t}, scorer, citation.ModeStrip, audit.NopSink{})

	_, _, err := p.ScreenDocument(context.Background(), "bad.txt", "hateful document body")
	require.Error(t, err)
	assert.True(t, safety.IsPolicyViolation(err))
}

// TestScreenDocument_MasksBeforeIndexing verifies document content comes
// back masked with its entity types.
func TestScreenDocument_MasksBeforeIndexing(t *testing.T) {
	p := newTestPipeline(t, &forbiddenLLM{t: t}, &stubScorer{}, citation.ModeStrip, audit.NopSink{})

	masked, types, err := p.ScreenDocument(context.Background(), "hr.txt",
		"Employee SSN: 123-45-6789")
	require.NoError(t, err)

	assert.Contains(t, masked, "***-**-6789")
	assert.Equal(t, []string{"SSN"}, types)
}
