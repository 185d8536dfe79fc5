// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the gateway's request and response types.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// MaxQueryBytes caps the inbound query size. Byte length, not rune
// count, so oversized multi-byte payloads cannot slip past the check.
const MaxQueryBytes = 32 * 1024

// MaxDocumentBytes caps ingested document content.
const MaxDocumentBytes = 1024 * 1024

// MaxContextEntries caps caller-supplied context chunks per request.
const MaxContextEntries = 50

// =============================================================================
// Shared Validator Instance
// =============================================================================

// gateValidate is the validator instance for gateway datatypes.
// Initialized in init() with custom validators.
var gateValidate *validator.Validate

func init() {
	gateValidate = validator.New()
	_ = gateValidate.RegisterValidation("maxquerybytes", validateMaxQueryBytes)
	_ = gateValidate.RegisterValidation("maxdocbytes", validateMaxDocumentBytes)
}

// validateMaxQueryBytes enforces the query size cap in bytes.
func validateMaxQueryBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// validateMaxDocumentBytes enforces the document size cap in bytes.
func validateMaxDocumentBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxDocumentBytes
}

// =============================================================================
// Gate Endpoint Types
// =============================================================================

// ContextEntry is one caller-supplied context chunk for generation.
type ContextEntry struct {
	Content string `json:"content" validate:"required,maxdocbytes"`
	Source  string `json:"source" validate:"required,max=512"`
}

// GateRequest is the body of POST /v1/gate.
//
// Context is optional: when present the gateway generates against it
// (passthrough mode); when absent and Weaviate is configured, context is
// retrieved per query.
type GateRequest struct {
	Query     string         `json:"query" validate:"required,maxquerybytes"`
	Context   []ContextEntry `json:"context" validate:"max=50,dive"`
	SessionID string         `json:"session_id" validate:"omitempty,max=128"`
}

// Validate checks the request after JSON binding.
func (r *GateRequest) Validate() error {
	return gateValidate.Struct(r)
}

// GateResponse is the success body of POST /v1/gate. The answer has
// been masked and safety-cleared; entity lists carry types only.
type GateResponse struct {
	Answer                 string   `json:"answer"`
	Sources                []string `json:"sources"`
	MaskedEntitiesDetected []string `json:"masked_entities_detected"`
	SafetyFlags            []string `json:"safety_flags"`
	CorrelationID          string   `json:"correlation_id"`
}

// =============================================================================
// Scan Endpoint Types
// =============================================================================

// ScanRequest is the body of POST /v1/scan: detect and mask, no model.
type ScanRequest struct {
	Text string `json:"text" validate:"required,maxdocbytes"`
}

// Validate checks the request after JSON binding.
func (r *ScanRequest) Validate() error {
	return gateValidate.Struct(r)
}

// ScanResponse returns the masked text and the entity types found.
type ScanResponse struct {
	Masked      string   `json:"masked"`
	EntityTypes []string `json:"entity_types"`
}

// =============================================================================
// Document Ingestion Types
// =============================================================================

// IngestDocumentRequest is the body of POST /v1/documents. Content is
// gated (scanned, masked, safety-checked) before any chunk is indexed.
type IngestDocumentRequest struct {
	Source  string `json:"source" validate:"required,max=512"`
	Content string `json:"content" validate:"required,maxdocbytes"`
}

// Validate checks the request after JSON binding.
func (r *IngestDocumentRequest) Validate() error {
	return gateValidate.Struct(r)
}

// IngestDocumentResponse reports the ingestion result.
type IngestDocumentResponse struct {
	Source        string   `json:"source"`
	ChunksCreated int      `json:"chunks_created"`
	EntityTypes   []string `json:"entity_types"`
}
