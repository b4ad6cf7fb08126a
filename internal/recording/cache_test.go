package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dialcast/dialcast/internal/telephony"
)

type fakeMedia struct {
	data        []byte
	contentType string
	err         error
	fetches     int
}

func (f *fakeMedia) Dial(ctx context.Context, to, from, region string, opts telephony.DialOptions) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeMedia) Hangup(ctx context.Context, callSID, reason string) error {
	return errors.New("not implemented")
}

func (f *fakeMedia) RecordingMedia(ctx context.Context, recordingSID string) ([]byte, string, error) {
	f.fetches++
	return f.data, f.contentType, f.err
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	media := &fakeMedia{data: []byte("mp3-bytes"), contentType: "audio/mpeg"}
	cache, err := NewCache(dir, media)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	path, contentType, err := cache.Fetch(context.Background(), "RE123")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if filepath.Base(path) != "recording_RE123.mp3" {
		t.Fatalf("path = %s", path)
	}
	if contentType != "audio/mpeg" {
		t.Fatalf("content type = %s", contentType)
	}

	// Second fetch must hit the disk cache, not the carrier.
	if _, _, err := cache.Fetch(context.Background(), "RE123"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if media.fetches != 1 {
		t.Fatalf("carrier fetches = %d, want 1", media.fetches)
	}
}

func TestFetchWavContentType(t *testing.T) {
	media := &fakeMedia{data: []byte("wav-bytes"), contentType: "audio/x-wav"}
	cache, _ := NewCache(t.TempDir(), media)

	path, contentType, err := cache.Fetch(context.Background(), "RE456")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if filepath.Base(path) != "recording_RE456.wav" || contentType != "audio/wav" {
		t.Fatalf("path = %s, content type = %s", path, contentType)
	}
}

func TestEmptyDownloadIsNotCached(t *testing.T) {
	media := &fakeMedia{data: nil, contentType: "audio/mpeg"}
	cache, _ := NewCache(t.TempDir(), media)

	if _, _, err := cache.Fetch(context.Background(), "RE789"); err == nil {
		t.Fatal("empty download should fail")
	}
	// A later retry goes back to the carrier.
	media.data = []byte("now present")
	if _, _, err := cache.Fetch(context.Background(), "RE789"); err != nil {
		t.Fatalf("retry fetch: %v", err)
	}
	if media.fetches != 2 {
		t.Fatalf("carrier fetches = %d, want 2", media.fetches)
	}
}

func TestZeroLengthFileOnDiskIgnored(t *testing.T) {
	dir := t.TempDir()
	media := &fakeMedia{data: []byte("real bytes"), contentType: "audio/mpeg"}
	cache, _ := NewCache(dir, media)

	// Simulate a crashed earlier download.
	if err := os.WriteFile(filepath.Join(dir, "recording_RE1.mp3"), nil, 0640); err != nil {
		t.Fatal(err)
	}

	path, _, err := cache.Fetch(context.Background(), "RE1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("cache did not replace the empty file: %v", err)
	}
	if media.fetches != 1 {
		t.Fatalf("carrier fetches = %d, want 1", media.fetches)
	}
}

func TestRemoveDeletesCachedFile(t *testing.T) {
	dir := t.TempDir()
	media := &fakeMedia{data: []byte("bytes"), contentType: "audio/mpeg"}
	cache, _ := NewCache(dir, media)

	path, _, err := cache.Fetch(context.Background(), "RE2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	cache.Remove("RE2")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should be gone after Remove")
	}
	cache.Remove("RE2") // idempotent
}
