package memory

import (
	"context"
	"strings"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "raw/src-1/abc.txt", "text/plain", strings.NewReader("content"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://raw/src-1/abc.txt" {
		t.Fatalf("unexpected uri %s", uri)
	}
	data, contentType, ok := store.Object("raw/src-1/abc.txt")
	if !ok || contentType != "text/plain" {
		t.Fatalf("Object() = %q, %q, %v", data, contentType, ok)
	}
	data[0] = 'C'
	again, _, _ := store.Object("raw/src-1/abc.txt")
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d", store.Len())
	}
}
