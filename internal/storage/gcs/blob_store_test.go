package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var body, precondition string
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/upload/storage/v1/b/snapshots/o") {
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusBadRequest)
			return
		}
		precondition = r.URL.Query().Get("ifGenerationMatch")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		fmt.Fprintln(w, `{"name":"raw/src/abc.txt","bucket":"snapshots"}`)
	}))

	uri, err := store.PutObject(context.Background(), "raw/src/abc.txt", "text/plain; charset=utf-8", strings.NewReader("Visa rules."))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/raw/src/abc.txt", uri)
	require.Equal(t, "0", precondition)
	require.Contains(t, body, "Visa rules.")
	require.Contains(t, body, "text/plain; charset=utf-8")
}

func TestPutObjectExistingIsSuccess(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	}))

	uri, err := store.PutObject(context.Background(), "raw/src/abc.txt", "", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/raw/src/abc.txt", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "raw/src/abc.txt", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket name is required")

	store := &BlobStore{bucket: "b"}
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")
}
