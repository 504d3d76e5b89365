// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package governance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/memory"
)

// flakySink fails until healed, then records inserts in order.
type flakySink struct {
	down     bool
	inserted []string
}

func (s *flakySink) InsertAuditRecord(_ context.Context, rec *datatypes.AuditRecord) error {
	if s.down {
		return errors.New("database is locked")
	}
	s.inserted = append(s.inserted, rec.ID)
	return nil
}

func TestRecorderBuffersWhileSinkDown(t *testing.T) {
	sink := &flakySink{down: true}
	r := NewRecorder(sink, nil, nil)

	for i := 0; i < 3; i++ {
		r.Record(context.Background(), &datatypes.AuditRecord{ID: fmt.Sprintf("rec-%d", i)})
	}
	assert.Equal(t, 3, r.PendingCount())
	assert.Empty(t, sink.inserted)
}

func TestRecorderReconcilesInDecisionOrder(t *testing.T) {
	sink := &flakySink{down: true}
	r := NewRecorder(sink, nil, nil)

	r.Record(context.Background(), &datatypes.AuditRecord{ID: "a"})
	r.Record(context.Background(), &datatypes.AuditRecord{ID: "b"})

	sink.down = false
	r.Record(context.Background(), &datatypes.AuditRecord{ID: "c"})

	assert.Zero(t, r.PendingCount())
	require.Equal(t, []string{"a", "b", "c"}, sink.inserted,
		"backlog flushes before the live record")
}

func TestRecorderDropsOldestAtCapacity(t *testing.T) {
	sink := &flakySink{down: true}
	r := NewRecorder(sink, nil, nil)

	for i := 0; i < bufferCapacity+5; i++ {
		r.Record(context.Background(), &datatypes.AuditRecord{ID: fmt.Sprintf("rec-%d", i)})
	}
	assert.Equal(t, bufferCapacity, r.PendingCount())

	sink.down = false
	r.Record(context.Background(), &datatypes.AuditRecord{ID: "last"})

	// rec-0..rec-4 were evicted; the survivors start at rec-5.
	require.NotEmpty(t, sink.inserted)
	assert.Equal(t, "rec-5", sink.inserted[0])
	assert.Equal(t, "last", sink.inserted[len(sink.inserted)-1])
}

// captureSearcher records similarity writes for inspection.
type captureSearcher struct {
	collection string
	id         string
	text       string
	metadata   map[string]any
	stores     int
	err        error
}

func (s *captureSearcher) Search(context.Context, string, string, int, float64) ([]memory.SearchResult, error) {
	return nil, nil
}

func (s *captureSearcher) Store(_ context.Context, collection, id, text string, metadata map[string]any) error {
	if s.err != nil {
		return s.err
	}
	s.collection = collection
	s.id = id
	s.text = text
	s.metadata = metadata
	s.stores++
	return nil
}

func TestRecorderTeesRecordsIntoAuditMemory(t *testing.T) {
	sink := &flakySink{}
	mem := &captureSearcher{}
	r := NewRecorder(sink, mem, nil)

	r.Record(context.Background(), &datatypes.AuditRecord{
		ID:             "rec-1",
		Prompt:         "migrate the billing tables",
		Score:          3.5,
		Recommendation: datatypes.RecommendBlock,
		CorrelationID:  "corr-1",
	})

	require.Equal(t, 1, mem.stores)
	assert.Equal(t, memory.CollectionAudits, mem.collection)
	assert.Equal(t, "migrate the billing tables", mem.text)
	assert.Equal(t, 3.5, mem.metadata["score"])
	assert.Equal(t, string(datatypes.RecommendBlock), mem.metadata["recommendation"])
}

func TestRecorderTeedMetadataDrivesPrediction(t *testing.T) {
	sink := &flakySink{}
	mem := &captureSearcher{}
	r := NewRecorder(sink, mem, nil)

	r.Record(context.Background(), &datatypes.AuditRecord{
		ID:             "rec-1",
		Prompt:         "rewrite everything in one pass",
		Score:          3,
		Recommendation: datatypes.RecommendBlock,
	})
	require.Equal(t, 1, mem.stores)

	// A gate searching memory sees exactly what the recorder wrote.
	st := newTestStore(t)
	g := New(&fakeCosts{limit: 1000}, st, &fakeSearcher{hits: []memory.SearchResult{{
		Content:  mem.text,
		Metadata: mem.metadata,
		Score:    0.93,
	}}}, nil, Config{}, nil)

	v := g.Evaluate(context.Background(), "rewrite everything again")
	require.NotNil(t, v.Prediction)
	assert.Equal(t, datatypes.RecommendBlock, v.Prediction.Recommendation)
	assert.Equal(t, TierDeep, v.Tier.Tier)
}

func TestRecorderSkipsTeeWithoutPromptOrMemory(t *testing.T) {
	sink := &flakySink{}
	mem := &captureSearcher{}

	r := NewRecorder(sink, mem, nil)
	r.Record(context.Background(), &datatypes.AuditRecord{ID: "no-prompt", Score: 9})
	assert.Zero(t, mem.stores)

	// No searcher attached: must not panic.
	bare := NewRecorder(sink, nil, nil)
	bare.Record(context.Background(), &datatypes.AuditRecord{ID: "x", Prompt: "p"})
}
