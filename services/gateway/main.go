// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/GatewatchAI/Gatewatch/pkg/extensions"
	"github.com/GatewatchAI/Gatewatch/services/audit"
	"github.com/GatewatchAI/Gatewatch/services/citation"
	"github.com/GatewatchAI/Gatewatch/services/detection"
	"github.com/GatewatchAI/Gatewatch/services/gateway/handlers"
	"github.com/GatewatchAI/Gatewatch/services/gateway/observability"
	"github.com/GatewatchAI/Gatewatch/services/gateway/routes"
	"github.com/GatewatchAI/Gatewatch/services/gateway/services"
	"github.com/GatewatchAI/Gatewatch/services/llm"
	"github.com/GatewatchAI/Gatewatch/services/masking"
	"github.com/GatewatchAI/Gatewatch/services/retrieval"
	"github.com/GatewatchAI/Gatewatch/services/safety"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

const defaultScorerTimeout = 5 * time.Second

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "gatewatch-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("gatewatch-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildMasker loads the masking policy from MASK_POLICY_PATH when set
// (with hot reload), or the embedded defaults.
func buildMasker(ctx context.Context) *masking.Masker {
	policyPath := os.Getenv("MASK_POLICY_PATH")
	if policyPath == "" {
		slog.Info("MASK_POLICY_PATH not set, using embedded masking policy")
		return masking.NewMasker(masking.MustDefaultPolicy())
	}

	raw, err := os.ReadFile(policyPath)
	if err != nil {
		log.Fatalf("Failed to read masking policy %s: %v", policyPath, err)
	}
	policy, err := masking.LoadPolicy(raw)
	if err != nil {
		log.Fatalf("Invalid masking policy %s: %v", policyPath, err)
	}
	masker := masking.NewMasker(policy)

	watcher, err := masking.NewWatcher(policyPath, masker)
	if err != nil {
		slog.Warn("Masking policy hot reload unavailable", "error", err)
	} else {
		// Start blocks until the context is cancelled.
		go watcher.Start(ctx)
		slog.Info("Masking policy hot reload enabled", "path", policyPath)
	}
	return masker
}

// buildScorer wires the safety scorer from SAFETY_SCORER_URL. Without
// one the safety stages are disabled, which is only acceptable for
// local development.
func buildScorer() safety.Scorer {
	scorerURL := os.Getenv("SAFETY_SCORER_URL")
	if scorerURL == "" {
		slog.Warn("SAFETY_SCORER_URL not set: safety stages DISABLED, all content scores as safe")
		return safety.StaticScorer{}
	}

	timeout := defaultScorerTimeout
	if raw := os.Getenv("SAFETY_SCORER_TIMEOUT"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			timeout = parsed
		} else {
			slog.Warn("Invalid SAFETY_SCORER_TIMEOUT, using default",
				"value", raw, "default", timeout)
		}
	}
	slog.Info("Safety scorer configured", "url", scorerURL, "timeout", timeout)
	return safety.NewHTTPScorer(scorerURL, timeout)
}

// buildAuditSink wires the chain log and the Badger store from the
// environment. Returns the store separately for the read endpoint.
func buildAuditSink() (audit.Sink, *audit.BadgerStore) {
	var sinks audit.MultiSink

	if logPath := os.Getenv("AUDIT_LOG_PATH"); logPath != "" {
		chain, err := audit.NewChainLogger(logPath)
		if err != nil {
			log.Fatalf("Failed to open audit chain log %s: %v", logPath, err)
		}
		sinks = append(sinks, chain)
		slog.Info("Audit chain log enabled", "path", logPath)
	}

	var store *audit.BadgerStore
	if dbPath := os.Getenv("AUDIT_DB_PATH"); dbPath != "" {
		var err error
		store, err = audit.NewBadgerStore(audit.DefaultStoreConfig(dbPath))
		if err != nil {
			log.Fatalf("Failed to open audit store %s: %v", dbPath, err)
		}
		sinks = append(sinks, store)
		slog.Info("Audit record store enabled", "path", dbPath)
	}

	if len(sinks) == 0 {
		slog.Warn("No audit backend configured, records discarded after logging")
		return audit.NopSink{}, nil
	}
	return sinks, store
}

func main() {
	port := os.Getenv("GATEWAY_PORT")
	if port == "" {
		port = "12310"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	detectors, err := detection.NewStack()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the detector stack: %v", err)
	}

	masker := buildMasker(context.Background())
	evaluator := safety.NewEvaluator(buildScorer(), safety.ThresholdsFromEnv())

	citationMode := citation.ModeStrip
	if raw := os.Getenv("CITATION_MODE"); raw != "" {
		citationMode, err = citation.ParseMode(raw)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}
	slog.Info("Citation validation configured", "mode", string(citationMode))

	sink, auditStore := buildAuditSink()
	defer sink.Close()

	llmClient, err := llm.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	weaviateClient, err := retrieval.NewClientFromEnv()
	if err != nil {
		log.Fatalf("Failed to create Weaviate client: %v", err)
	}
	var retriever retrieval.Retriever
	var indexer *retrieval.Indexer
	if weaviateClient != nil {
		retriever = retrieval.NewWeaviateRetriever(weaviateClient)
		indexer = retrieval.NewIndexer(weaviateClient)
	}

	pipeline := services.NewPipeline(services.Config{
		Detectors:    detectors,
		Masker:       masker,
		Safety:       evaluator,
		LLMClient:    llmClient,
		Retriever:    retriever,
		CitationMode: citationMode,
		Sink:         sink,
		Metrics:      metrics,
	})

	opts := extensions.DefaultOptions()

	router := gin.Default()
	router.Use(otelgin.Middleware("gatewatch-service"))

	routes.SetupRoutes(router, routes.Deps{
		Pipeline:   pipeline,
		Indexer:    indexer,
		AuditStore: auditStore,
		Metrics:    metrics,
		Auth:       opts.AuthProvider,
		Health: handlers.HealthStatus{
			DetectorLayers: detectors.Layers(),
			Retrieval:      weaviateClient != nil,
			AuditStore:     auditStore != nil,
		},
	})

	log.Println("Starting the gateway server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
