// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory provides the semantic similarity store used by the
// governance gate (historical audit lookups) and the RCA engine
// (historical failure lookups).
//
// Objects are stored in Weaviate with externally computed embeddings
// (vectorizer "none"); embedding vectors must be exactly 1536 floats and
// any other dimension is rejected as a contract violation before it can
// poison a collection.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/swarmgate/swarmgate/pkg/fault"
)

// VectorDimension is the embedding dimension invariant for every
// collection.
const VectorDimension = 1536

// Collection names.
const (
	CollectionAudits   = "AuditMemory"
	CollectionFailures = "FailureMemory"
)

// SearchResult is one similarity hit.
type SearchResult struct {
	Content  string
	Metadata map[string]any
	Score    float64 // certainty, 0-1
}

// Searcher is the similarity-search contract consumed by governance and
// RCA. Implementations must apply the threshold server-side or filter
// before returning.
type Searcher interface {
	Search(ctx context.Context, collection, text string, limit int, threshold float64) ([]SearchResult, error)
	Store(ctx context.Context, collection, id, text string, metadata map[string]any) error
}

// Embedder converts text into a fixed-length embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// =============================================================================
// OpenAI Embedder
// =============================================================================

// OpenAIEmbedder computes embeddings with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger *slog.Logger
}

// NewOpenAIEmbedder creates an embedder. text-embedding-3-small produces
// the required 1536-dimension vectors.
func NewOpenAIEmbedder(apiKey string, logger *slog.Logger) *OpenAIEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.SmallEmbedding3,
		logger: logger.With(slog.String("component", "embedder")),
	}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, &fault.ContractViolation{Source: "embeddings", Detail: "empty data array"}
	}
	return resp.Data[0].Embedding, nil
}

// =============================================================================
// Weaviate Store
// =============================================================================

// WeaviateMemory implements Searcher on a Weaviate instance.
type WeaviateMemory struct {
	client   *weaviate.Client
	embedder Embedder
	logger   *slog.Logger
}

// NewWeaviateMemory connects to Weaviate at host ("host:port") and
// ensures the swarmgate collections exist.
func NewWeaviateMemory(host, scheme string, embedder Embedder, logger *slog.Logger) (*WeaviateMemory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	m := &WeaviateMemory{
		client:   client,
		embedder: embedder,
		logger:   logger.With(slog.String("component", "memory")),
	}
	for _, c := range []string{CollectionAudits, CollectionFailures} {
		if err := m.ensureCollection(context.Background(), c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *WeaviateMemory) ensureCollection(ctx context.Context, name string) error {
	exists, err := m.client.Schema().ClassExistenceChecker().WithClassName(name).Do(ctx)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:      name,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "payload", DataType: []string{"text"}},
		},
	}
	if err := m.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	m.logger.Info("created similarity collection", slog.String("collection", name))
	return nil
}

// Store embeds text and upserts it into collection. The caller-supplied
// id is mapped deterministically onto a UUID so re-storing the same id
// overwrites rather than duplicates.
func (m *WeaviateMemory) Store(ctx context.Context, collection, id, text string, metadata map[string]any) error {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	if err := ValidateVector(vec); err != nil {
		return err
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = m.client.Data().Creator().
		WithClassName(collection).
		WithID(DeterministicID(id)).
		WithProperties(map[string]any{
			"content": text,
			"payload": string(payload),
		}).
		WithVector(models.C11yVector(vec)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("store in %s: %w", collection, err)
	}
	return nil
}

// Search embeds text and returns hits from collection at or above
// threshold certainty, best first.
func (m *WeaviateMemory) Search(ctx context.Context, collection, text string, limit int, threshold float64) ([]SearchResult, error) {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := ValidateVector(vec); err != nil {
		return nil, err
	}

	nearVector := m.client.GraphQL().NearVectorArgBuilder().
		WithVector(vec).
		WithCertainty(float32(threshold))
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "payload"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}
	resp, err := m.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	if len(resp.Errors) > 0 {
		return nil, &fault.ContractViolation{
			Source: "weaviate",
			Detail: resp.Errors[0].Message,
		}
	}
	return ParseSearchResults(resp, collection), nil
}

// =============================================================================
// Helpers
// =============================================================================

// ValidateVector enforces the 1536-dimension invariant.
func ValidateVector(vec []float32) error {
	if len(vec) != VectorDimension {
		return &fault.ContractViolation{
			Source: "embeddings",
			Detail: fmt.Sprintf("vector dimension %d, want %d", len(vec), VectorDimension),
		}
	}
	return nil
}

// DeterministicID maps an arbitrary external id onto a stable UUID
// accepted by Weaviate.
func DeterministicID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// ParseSearchResults extracts hits from a GraphQL response. Malformed
// entries are skipped rather than failing the whole search.
func ParseSearchResults(resp *models.GraphQLResponse, collection string) []SearchResult {
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	items, ok := get[collection].([]any)
	if !ok {
		return nil
	}
	var out []SearchResult
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := SearchResult{}
		if content, ok := obj["content"].(string); ok {
			r.Content = content
		}
		if payload, ok := obj["payload"].(string); ok && payload != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(payload), &meta); err == nil {
				r.Metadata = meta
			}
		}
		if add, ok := obj["_additional"].(map[string]any); ok {
			if c, ok := add["certainty"].(float64); ok {
				r.Score = c
			}
		}
		out = append(out, r)
	}
	return out
}
