// Package recording caches carrier call recordings on local disk and
// enforces the retention policy.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/telephony"
)

// Cache stores downloaded recordings under dir as
// recording_{sid}.{mp3|wav}. Zero-length files are treated as absent;
// a failed download never poisons the cache.
type Cache struct {
	dir    string
	dialer telephony.Dialer
}

// NewCache creates the cache directory if needed.
func NewCache(dir string, dialer telephony.Dialer) (*Cache, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}
	return &Cache{dir: dir, dialer: dialer}, nil
}

func extForContentType(contentType string) string {
	if strings.Contains(contentType, "wav") {
		return "wav"
	}
	return "mp3"
}

// cachedPath returns the existing on-disk file for a SID, if any.
func (c *Cache) cachedPath(recordingSID string) (string, bool) {
	for _, ext := range []string{"mp3", "wav"} {
		p := filepath.Join(c.dir, fmt.Sprintf("recording_%s.%s", recordingSID, ext))
		info, err := os.Stat(p)
		if err == nil && info.Size() > 0 {
			return p, true
		}
	}
	return "", false
}

// Fetch returns the local path and content type for a recording,
// downloading from the carrier on a cache miss. The file is written via a
// temp name so readers never observe a partial download.
func (c *Cache) Fetch(ctx context.Context, recordingSID string) (string, string, error) {
	if p, ok := c.cachedPath(recordingSID); ok {
		return p, contentTypeFor(p), nil
	}

	data, contentType, err := c.dialer.RecordingMedia(ctx, recordingSID)
	if err != nil {
		return "", "", fmt.Errorf("downloading recording %s: %w", recordingSID, err)
	}
	if len(data) == 0 {
		return "", "", fmt.Errorf("recording %s is empty", recordingSID)
	}

	ext := extForContentType(contentType)
	final := filepath.Join(c.dir, fmt.Sprintf("recording_%s.%s", recordingSID, ext))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return "", "", fmt.Errorf("writing recording %s: %w", recordingSID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("publishing recording %s: %w", recordingSID, err)
	}
	slog.Info("recording cached", "recording_sid", recordingSID, "bytes", len(data))
	return final, contentTypeFor(final), nil
}

// Remove deletes any cached file for the SID.
func (c *Cache) Remove(recordingSID string) {
	for _, ext := range []string{"mp3", "wav"} {
		p := filepath.Join(c.dir, fmt.Sprintf("recording_%s.%s", recordingSID, ext))
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove recording file", "path", p, "error", err)
		}
	}
}

func contentTypeFor(path string) string {
	if strings.HasSuffix(path, ".wav") {
		return "audio/wav"
	}
	return "audio/mpeg"
}

// StartCleanupTicker runs a background goroutine that periodically removes
// recordings older than maxDays, both the rows and the cached files. A
// maxDays of 0 disables retention. The goroutine stops when ctx is
// cancelled.
func StartCleanupTicker(ctx context.Context, recordings database.RecordingRepository, cache *Cache, maxDays int, interval time.Duration) {
	if maxDays <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -maxDays)
				sids, err := recordings.DeleteExpired(ctx, cutoff)
				if err != nil {
					slog.Error("recording retention cleanup failed", "error", err)
					continue
				}
				if len(sids) == 0 {
					continue
				}
				slog.Info("recording retention cleanup", "deleted", len(sids), "max_days", maxDays)
				for _, sid := range sids {
					cache.Remove(sid)
				}
			}
		}
	}()
}
