// Package publish defines the external publisher boundary. A Publisher
// transmits one document snapshot to the external consistency service and
// reports whether it was accepted. Implementations are registered by kind
// and constructed from configuration, so the reconciler never knows which
// transport it is talking to.
package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/quillhq/quill/cfg"
)

// Record is the unit handed to a publisher: a self-contained snapshot of one
// entity at the version the mutation observed.
type Record struct {
	EntityID   string `msgpack:"entity_id"`
	OwnerScope string `msgpack:"owner_scope"`
	Mutation   string `msgpack:"mutation"` // create, update or delete
	Version    int64  `msgpack:"version"`
	Deleted    bool   `msgpack:"deleted"`
	Payload    []byte `msgpack:"payload"`  // Encoded document snapshot; empty for deletes
	Checksum   uint64 `msgpack:"checksum"` // xxhash64 of Payload, 0 when empty
}

// Result reports the remote service's verdict. A false Success with a nil
// error means the service processed the request and rejected the record;
// transport failures come back as errors.
type Result struct {
	Success bool
	Detail  string
}

// Publisher sends records to the external service. Publish honors the
// context deadline; the caller owns retry policy.
type Publisher interface {
	Publish(ctx context.Context, rec Record) (Result, error)
	Close() error
}

// Factory creates a Publisher from configuration.
type Factory func(cfg.PublisherConfiguration) (Publisher, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a publisher factory for a kind.
func Register(kind string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = factory
}

// New constructs the publisher named by config.Kind.
func New(config cfg.PublisherConfiguration) (Publisher, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Kind]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown publisher kind: %s", config.Kind)
	}

	return factory(config)
}
