package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ObjectStore saves images into a JetStream object store bucket.
type ObjectStore struct {
	store  jetstream.ObjectStore
	bucket string
	now    func() time.Time
}

// NewObjectStore creates or updates bucket on js and returns a store using it.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectStore, error) {
	obj, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "processed OCR input images",
		Storage:     jetstream.FileStorage,
		Compression: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store %s: %w", bucket, err)
	}
	return &ObjectStore{store: obj, bucket: bucket, now: time.Now}, nil
}

// Put implements Store. Locations look like nats://<bucket>/<name>.
func (s *ObjectStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	name := objectName(s.now())
	info, err := s.store.Put(ctx, jetstream.ObjectMeta{
		Name:        name,
		Description: "image/png",
	}, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", name, err)
	}
	return fmt.Sprintf("nats://%s/%s", s.bucket, info.Name), nil
}

// Get returns the bytes stored under name.
func (s *ObjectStore) Get(ctx context.Context, name string) ([]byte, error) {
	return s.store.GetBytes(ctx, name)
}

// Connect dials url, or, when url is empty, starts an in-process JetStream
// server persisting to storeDir and connects to it without a socket.
// The returned server is nil for external connections.
func Connect(url, storeDir string, timeout time.Duration) (*nats.Conn, *server.Server, error) {
	if url != "" {
		nc, err := nats.Connect(url, nats.Name("ocr-prep-mcp"), nats.Timeout(timeout))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
		}
		return nc, nil, nil
	}

	ns, err := server.NewServer(&server.Options{
		JetStream:  true,
		DontListen: true,
		StoreDir:   storeDir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("embedded NATS server not ready after %s", timeout)
	}

	nc, err := nats.Connect("", nats.Name("ocr-prep-mcp"), nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}
	return nc, ns, nil
}
