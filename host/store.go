package host

import (
	"context"
	"errors"

	"github.com/flowdraw/collab/collab"
)

// Store persists document records for the host. Implementations must be
// safe for concurrent use.
type Store interface {
	List(ctx context.Context) ([]collab.DocumentInfo, error)
	Get(ctx context.Context, docId string) (*collab.Document, error)
	Put(ctx context.Context, document *collab.Document) error
	Delete(ctx context.Context, docId string) error
	Close() error
}

var ErrNotFound = errors.New("document not found")
