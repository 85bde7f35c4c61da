package host

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flowdraw/collab/collab"
)

// MemoryStore keeps documents in process memory. Used by tests and as the
// default backend when no durable store is configured.
type MemoryStore struct {
	stateLock sync.Mutex
	documents map[string]*collab.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: map[string]*collab.Document{},
	}
}

func (self *MemoryStore) List(ctx context.Context) ([]collab.DocumentInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	infos := []collab.DocumentInfo{}
	for _, document := range self.documents {
		infos = append(infos, *document.Info())
	}
	return infos, nil
}

func (self *MemoryStore) Get(ctx context.Context, docId string) (*collab.Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, ok := self.documents[docId]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(document), nil
}

func (self *MemoryStore) Put(ctx context.Context, document *collab.Document) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.documents[document.Id] = copyDocument(document)
	return nil
}

func (self *MemoryStore) Delete(ctx context.Context, docId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.documents[docId]; !ok {
		return ErrNotFound
	}
	delete(self.documents, docId)
	return nil
}

func (self *MemoryStore) Close() error {
	return nil
}

// deep copy via the wire encoding so callers cannot alias stored state
func copyDocument(document *collab.Document) *collab.Document {
	b, err := json.Marshal(document)
	if err != nil {
		// documents are built from decoded wire payloads and always
		// re-encode
		panic(err)
	}
	var out collab.Document
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return &out
}
