// Package attachment archives message attachment payloads into the blob store
// under content-addressed keys.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/storage"
)

// MaxPayloadBytes bounds a single archived payload.
const MaxPayloadBytes int64 = 100 << 20

var (
	ErrProviderUnavailable = errors.New("blob provider not configured")
	ErrPayloadTooLarge     = errors.New("attachment payload too large")
)

// Key derives the content-addressed blob key of an attachment from its ID and
// filename: the same attachment always maps to the same key.
func Key(attachmentID, filename string) string {
	sum := sha256.Sum256([]byte(attachmentID + "/" + filename))
	hash := hex.EncodeToString(sum[:])
	return path.Join(hash[:2], hash+extension(filename))
}

func extension(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" || len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		return ".bin"
	}
	return ext
}

// Archiver stores attachment payloads that are not yet in the blob store.
type Archiver struct {
	provider storage.Provider
	fetcher  Fetcher
	maxBytes int64
	logger   *slog.Logger
}

// NewArchiver creates an archiver over a blob provider and payload fetcher.
func NewArchiver(log *slog.Logger, provider storage.Provider, fetcher Fetcher) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		provider: provider,
		fetcher:  fetcher,
		maxBytes: MaxPayloadBytes,
		logger:   log.With(slog.String("service", "attachment")),
	}
}

// Archive makes sure the attachment's payload is stored and returns its key.
// The payload is only fetched when the key is missing.
func (a *Archiver) Archive(ctx context.Context, att entity.Attachment) (string, error) {
	if a.provider == nil || a.fetcher == nil {
		return "", ErrProviderUnavailable
	}
	if strings.TrimSpace(att.ID) == "" {
		return "", fmt.Errorf("attachment id is required")
	}
	key := Key(att.ID, att.Filename)

	exists, err := a.provider.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check blob %s: %w", key, err)
	}
	if exists {
		return key, nil
	}

	body, err := a.fetcher.Fetch(ctx, att.URL)
	if err != nil {
		return "", fmt.Errorf("fetch attachment %s: %w", att.ID, err)
	}
	defer body.Close()

	limited := &limitedReader{r: body, remaining: a.maxBytes}
	if err := a.provider.Put(ctx, key, limited); err != nil {
		return "", fmt.Errorf("store attachment %s: %w", att.ID, err)
	}
	a.logger.Debug("attachment archived", slog.String("attachment_id", att.ID), slog.String("key", key))
	return key, nil
}

// limitedReader fails instead of truncating once the limit is exceeded, so an
// oversized payload never lands in the store.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrPayloadTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrPayloadTooLarge
	}
	return n, err
}
