package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// ResolvedBetLister is the slice of domain.BetStore the archiver reads.
type ResolvedBetLister interface {
	ListResolvedBefore(ctx context.Context, before time.Time) ([]*domain.Bet, error)
}

// BetArchiver implements domain.Archiver. It exports resolved bets as JSONL,
// one object per cutoff day, and records each export in the audit log.
// Archived rows stay in the primary store: the engine restores from a
// contiguous id sequence.
type BetArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	bets   ResolvedBetLister
	audit  domain.AuditStore
}

var _ domain.Archiver = (*BetArchiver)(nil)

// NewArchiver creates a BetArchiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, bets ResolvedBetLister, audit domain.AuditStore) *BetArchiver {
	return &BetArchiver{writer: writer, reader: reader, bets: bets, audit: audit}
}

// ArchiveBets uploads every bet resolved before the cutoff. A cutoff day
// already exported is skipped and reports zero.
func (a *BetArchiver) ArchiveBets(ctx context.Context, before time.Time) (int64, error) {
	path := archivePath("bets", before)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bets: %w", err)
	}
	if exists {
		return 0, nil
	}

	bets, err := a.bets.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bets query: %w", err)
	}
	if len(bets) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(bets)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bets marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive bets upload: %w", err)
	}

	count := int64(len(bets))
	if err := a.audit.Log(ctx, "archive.bets", map[string]any{
		"uri":    a.writer.URI(path),
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive bets audit log: %w", err)
	}
	return count, nil
}

// archivePath partitions exports by cutoff day:
//
//	archive/bets/2026-03-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
