package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

const (
	defaultPrefix    = "journal"
	defaultBatchSize = 1000
	cursorName       = "cursor.json"
)

// journalCursor records the last audit id that has been archived.
type journalCursor struct {
	LastID    int64     `json:"last_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// journalLine is one archived audit entry.
type journalLine struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JournalArchiver copies the audit log to object storage as JSONL, one file
// per batch, and keeps a cursor object so each entry is archived once.
// Nothing is deleted from the audit log.
//
// Layout:
//
//	{prefix}/cursor.json
//	{prefix}/2026/03/01/audit-000000000001-000000000250.jsonl
type JournalArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	audit     domain.AuditStore
	prefix    string
	batchSize int
	now       func() time.Time
}

// NewJournalArchiver creates a JournalArchiver. An empty prefix uses "journal".
func NewJournalArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, prefix string) *JournalArchiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &JournalArchiver{
		writer:    writer,
		reader:    reader,
		audit:     audit,
		prefix:    prefix,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
}

// Prefix returns the key prefix archives are written under.
func (a *JournalArchiver) Prefix() string { return a.prefix }

// Archive uploads every audit entry newer than the stored cursor and
// advances the cursor after each file.
func (a *JournalArchiver) Archive(ctx context.Context) (domain.ArchiveResult, error) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		return domain.ArchiveResult{}, err
	}
	res := domain.ArchiveResult{LastID: cursor.LastID}

	for {
		entries, err := a.audit.ListAfter(ctx, res.LastID, a.batchSize)
		if err != nil {
			return res, fmt.Errorf("s3blob: journal query after %d: %w", res.LastID, err)
		}
		if len(entries) == 0 {
			return res, nil
		}

		first, last := entries[0].ID, entries[len(entries)-1].ID
		buf, err := marshalJSONL(toLines(entries))
		if err != nil {
			return res, fmt.Errorf("s3blob: journal marshal: %w", err)
		}
		path := a.filePath(first, last)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return res, fmt.Errorf("s3blob: journal upload: %w", err)
		}
		if err := a.saveCursor(ctx, last); err != nil {
			return res, err
		}

		res.Files = append(res.Files, path)
		res.Entries += len(entries)
		res.LastID = last
		if len(entries) < a.batchSize {
			return res, nil
		}
	}
}

// Archives lists the uploaded journal files.
func (a *JournalArchiver) Archives(ctx context.Context) ([]domain.BlobInfo, error) {
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			out = append(out, info)
		}
	}
	return out, nil
}

func (a *JournalArchiver) filePath(first, last int64) string {
	return fmt.Sprintf("%s/%s/audit-%012d-%012d.jsonl",
		a.prefix, a.now().UTC().Format("2006/01/02"), first, last)
}

func (a *JournalArchiver) cursorPath() string {
	return a.prefix + "/" + cursorName
}

func (a *JournalArchiver) loadCursor(ctx context.Context) (journalCursor, error) {
	body, err := a.reader.Get(ctx, a.cursorPath())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return journalCursor{}, nil
		}
		return journalCursor{}, fmt.Errorf("s3blob: journal cursor: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return journalCursor{}, fmt.Errorf("s3blob: journal cursor read: %w", err)
	}
	var c journalCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return journalCursor{}, fmt.Errorf("s3blob: journal cursor decode: %w", err)
	}
	return c, nil
}

func (a *JournalArchiver) saveCursor(ctx context.Context, lastID int64) error {
	raw, _ := json.Marshal(journalCursor{LastID: lastID, UpdatedAt: a.now().UTC()})
	if err := a.writer.Put(ctx, a.cursorPath(), bytes.NewReader(raw), "application/json"); err != nil {
		return fmt.Errorf("s3blob: journal cursor save: %w", err)
	}
	return nil
}

func toLines(entries []domain.AuditEntry) []journalLine {
	out := make([]journalLine, len(entries))
	for i, e := range entries {
		out[i] = journalLine{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	return out
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
