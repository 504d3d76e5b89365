// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/memory"
)

// AuditSink is the durable side of audit recording.
type AuditSink interface {
	InsertAuditRecord(ctx context.Context, rec *datatypes.AuditRecord) error
}

// bufferCapacity bounds the in-memory ring of audit records awaiting a
// durable write. When full, the oldest record is dropped; a governance
// decision is never allowed to block dispatch on store availability.
const bufferCapacity = 256

// Recorder persists audit records with degraded-write buffering: a
// record that cannot reach the durable store is held in a bounded ring
// and reconciled opportunistically on the next successful write. When a
// similarity store is attached, every scored record is additionally
// teed into the audit collection so future gate evaluations can predict
// from it.
//
// Thread Safety: safe for concurrent use.
type Recorder struct {
	sink   AuditSink
	memory memory.Searcher // may be nil: similarity tee skipped
	logger *slog.Logger

	mu      sync.Mutex
	pending []*datatypes.AuditRecord
	dropped int
}

// NewRecorder creates a Recorder over sink. searcher may be nil.
func NewRecorder(sink AuditSink, searcher memory.Searcher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:   sink,
		memory: searcher,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// Record persists rec, buffering it when the durable store is down. The
// buffered backlog is flushed before the new record so store order
// approximates decision order.
func (r *Recorder) Record(ctx context.Context, rec *datatypes.AuditRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.flush(ctx)

	if err := r.sink.InsertAuditRecord(ctx, rec); err != nil {
		r.buffer(rec)
		r.logger.Warn("audit record buffered, durable store unavailable",
			slog.String("correlation_id", rec.CorrelationID),
			slog.String("error", err.Error()))
	}

	r.remember(ctx, rec)
}

// remember tees the record into the similarity store so the gate's
// prediction step has history to search. Metadata keys mirror what the
// predictor reads.
func (r *Recorder) remember(ctx context.Context, rec *datatypes.AuditRecord) {
	if r.memory == nil || rec.Prompt == "" {
		return
	}
	id := memory.DeterministicID("audit|" + rec.CorrelationID + "|" + rec.Prompt)
	err := r.memory.Store(ctx, memory.CollectionAudits, id, rec.Prompt, map[string]any{
		"score":          rec.Score,
		"recommendation": string(rec.Recommendation),
		"correlation_id": rec.CorrelationID,
		"policy_version": rec.PolicyVersion,
		"created_at":     rec.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		r.logger.Warn("audit similarity write failed",
			slog.String("correlation_id", rec.CorrelationID),
			slog.String("error", err.Error()))
	}
}

// flush retries buffered records; stops at the first failure.
func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for i, rec := range pending {
		if err := r.sink.InsertAuditRecord(ctx, rec); err != nil {
			r.mu.Lock()
			r.pending = append(pending[i:], r.pending...)
			r.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		r.logger.Info("reconciled buffered audit records", slog.Int("count", len(pending)))
	}
}

func (r *Recorder) buffer(rec *datatypes.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= bufferCapacity {
		r.pending = r.pending[1:]
		r.dropped++
	}
	r.pending = append(r.pending, rec)
}

// PendingCount returns the number of records awaiting a durable write.
func (r *Recorder) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
