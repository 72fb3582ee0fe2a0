package attachment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/storage/localfs"
)

type countingFetcher struct {
	body  string
	err   error
	calls int
}

func (f *countingFetcher) Fetch(context.Context, string) (io.ReadCloser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("123", "cat.PNG")
	if a != Key("123", "cat.PNG") {
		t.Fatal("key changed between calls")
	}
	if a == Key("124", "cat.PNG") || a == Key("123", "dog.png") {
		t.Fatal("distinct attachments share a key")
	}
	if !strings.HasSuffix(a, ".png") || a[2] != '/' {
		t.Fatalf("key layout = %q", a)
	}
	if got := Key("1", "noext"); !strings.HasSuffix(got, ".bin") {
		t.Fatalf("key without extension = %q", got)
	}
}

func TestArchiveSkipsExistingBlob(t *testing.T) {
	provider, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &countingFetcher{body: "png-bytes"}
	a := NewArchiver(nil, provider, fetcher)
	att := entity.Attachment{ID: "a1", Filename: "one.png", URL: "https://cdn/one.png"}

	key, err := a.Archive(context.Background(), att)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if key != Key("a1", "one.png") {
		t.Fatalf("key = %q", key)
	}
	if _, err := a.Archive(context.Background(), att); err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.calls)
	}
}

func TestArchiveFetchFailure(t *testing.T) {
	provider, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := NewArchiver(nil, provider, &countingFetcher{err: errors.New("cdn down")})
	if _, err := a.Archive(context.Background(), entity.Attachment{ID: "a1", Filename: "x.txt"}); err == nil {
		t.Fatal("expected error")
	}
	if ok, _ := provider.Exists(context.Background(), Key("a1", "x.txt")); ok {
		t.Fatal("blob stored despite failed fetch")
	}
}

func TestArchiveRejectsOversizedPayload(t *testing.T) {
	provider, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := NewArchiver(nil, provider, &countingFetcher{body: strings.Repeat("x", 64)})
	a.maxBytes = 16
	_, err = a.Archive(context.Background(), entity.Attachment{ID: "big", Filename: "big.bin"})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if ok, _ := provider.Exists(context.Background(), Key("big", "big.bin")); ok {
		t.Fatal("oversized blob stored")
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), 100)
	body, err := f.Fetch(context.Background(), srv.URL+"/file")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != "hello" {
		t.Fatalf("body = %q", data)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}
