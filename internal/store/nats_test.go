package store

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func TestObjectStore_EmbeddedServer(t *testing.T) {
	nc, ns, err := Connect("", t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ns.Shutdown()
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream.New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewObjectStore(ctx, js, "TEST_PROCESSED")
	if err != nil {
		t.Fatalf("NewObjectStore failed: %v", err)
	}
	s.now = func() time.Time { return time.UnixMilli(99) }

	payload := []byte("\x89PNG fake payload")
	loc, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc != "nats://TEST_PROCESSED/processed-99.png" {
		t.Errorf("location: got %s", loc)
	}

	got, err := s.Get(ctx, strings.TrimPrefix(loc, "nats://TEST_PROCESSED/"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("stored bytes differ: %q", got)
	}
}
