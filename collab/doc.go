package collab

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"github.com/flowdraw/collab/crdt"
)

// DocStore owns the shared document for one editing session. Mutations run
// as single transactions tagged with their source; change subscribers hear
// only about remote transactions, so a local write can never masquerade as
// a remote change and feed back into the sync stream.

// the source of a transaction, checked once at the observer boundary
type TxnSource int

const (
	TxnLocal TxnSource = iota
	TxnRemote
)

type EntityChange struct {
	Added   map[string]json.RawMessage
	Updated map[string]json.RawMessage
	Removed []string
}

type EntityChangeFunction func(change *EntityChange)
type OrderChangeFunction func(newOrder []string)
type MetadataChangeFunction func(newMetadata map[string]json.RawMessage)

// receives the ops minted by a local transaction, for broadcast
type LocalUpdateFunction func(ops []crdt.Op)

type DocStore struct {
	stateLock sync.Mutex

	doc *crdt.Doc

	// re-entrancy guard: set while a local mutation is on the stack
	localMutation bool

	entityCallbacks   *CallbackList[EntityChangeFunction]
	orderCallbacks    *CallbackList[OrderChangeFunction]
	metadataCallbacks *CallbackList[MetadataChangeFunction]
	updateCallbacks   *CallbackList[LocalUpdateFunction]
}

func NewDocStore() *DocStore {
	return &DocStore{
		doc:               crdt.NewDoc(crdt.NewPeerId()),
		entityCallbacks:   NewCallbackList[EntityChangeFunction](),
		orderCallbacks:    NewCallbackList[OrderChangeFunction](),
		metadataCallbacks: NewCallbackList[MetadataChangeFunction](),
		updateCallbacks:   NewCallbackList[LocalUpdateFunction](),
	}
}

// ClientId is the locally-unique numeric id of this replica, shared with
// the awareness channel.
func (self *DocStore) ClientId() uint64 {
	return self.doc.PeerId()
}

// subscriptions. Each Add returns an unsubscribe function.

func (self *DocStore) AddEntityChangeCallback(callback EntityChangeFunction) func() {
	callbackId := self.entityCallbacks.Add(callback)
	return func() {
		self.entityCallbacks.Remove(callbackId)
	}
}

func (self *DocStore) AddOrderChangeCallback(callback OrderChangeFunction) func() {
	callbackId := self.orderCallbacks.Add(callback)
	return func() {
		self.orderCallbacks.Remove(callbackId)
	}
}

func (self *DocStore) AddMetadataChangeCallback(callback MetadataChangeFunction) func() {
	callbackId := self.metadataCallbacks.Add(callback)
	return func() {
		self.metadataCallbacks.Remove(callbackId)
	}
}

func (self *DocStore) AddLocalUpdateCallback(callback LocalUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// local mutations

func (self *DocStore) SetEntity(key string, value json.RawMessage) {
	self.localTxn(func() []crdt.Op {
		return []crdt.Op{self.doc.SetEntity(key, value)}
	})
}

func (self *DocStore) SetEntities(entities map[string]json.RawMessage) {
	self.localTxn(func() []crdt.Op {
		return self.doc.SetEntities(entities)
	})
}

func (self *DocStore) DeleteEntity(key string) {
	self.localTxn(func() []crdt.Op {
		return []crdt.Op{self.doc.DeleteEntity(key)}
	})
}

func (self *DocStore) DeleteEntities(keys []string) {
	self.localTxn(func() []crdt.Op {
		return self.doc.DeleteEntities(keys)
	})
}

func (self *DocStore) SetOrder(order []string) {
	self.localTxn(func() []crdt.Op {
		return []crdt.Op{self.doc.SetOrder(order)}
	})
}

func (self *DocStore) SetMetadata(metadata map[string]json.RawMessage) {
	self.localTxn(func() []crdt.Op {
		return self.doc.SetMetadata(metadata)
	})
}

// InitializeFromState clears and repopulates in one transaction. Used when
// seeding a room from externally-loaded content.
func (self *DocStore) InitializeFromState(entities map[string]json.RawMessage, order []string, metadata map[string]json.RawMessage) {
	self.localTxn(func() []crdt.Op {
		ops := self.clearOps()
		ops = append(ops, self.doc.SetEntities(entities)...)
		ops = append(ops, self.doc.SetOrder(order))
		if metadata != nil {
			ops = append(ops, self.doc.SetMetadata(metadata)...)
		}
		return ops
	})
}

func (self *DocStore) Clear() {
	self.localTxn(func() []crdt.Op {
		return self.clearOps()
	})
}

func (self *DocStore) clearOps() []crdt.Op {
	keys := []string{}
	for key := range self.doc.Entities() {
		keys = append(keys, key)
	}
	ops := self.doc.DeleteEntities(keys)
	ops = append(ops, self.doc.SetOrder([]string{}))
	return ops
}

// localTxn runs one local transaction and fans the minted ops out to
// update subscribers. Change subscribers are deliberately not notified:
// the transaction source is local.
func (self *DocStore) localTxn(mutate func() []crdt.Op) {
	self.stateLock.Lock()
	self.localMutation = true
	ops := mutate()
	self.localMutation = false
	self.stateLock.Unlock()

	if len(ops) == 0 {
		return
	}
	for _, callback := range self.updateCallbacks.Get() {
		callback(ops)
	}
}

// ApplyRemote merges an inbound update and notifies change subscribers.
// A malformed update is rejected whole: logged by the caller, no state
// change, no notifications.
func (self *DocStore) ApplyRemote(ops []crdt.Op) error {
	self.stateLock.Lock()
	if self.localMutation {
		// a local mutation is on the stack; applying here would let its
		// observers see a half-applied transaction
		self.stateLock.Unlock()
		glog.Infof("[doc]remote update dropped during local mutation\n")
		return nil
	}
	changes, err := self.doc.Apply(ops)
	self.stateLock.Unlock()
	if err != nil {
		return err
	}

	self.notify(changes, TxnRemote)
	return nil
}

func (self *DocStore) notify(changes *crdt.Changes, source TxnSource) {
	if source != TxnRemote || changes.Empty() {
		return
	}

	if 0 < len(changes.Added) || 0 < len(changes.Updated) || 0 < len(changes.Removed) {
		change := &EntityChange{
			Added:   changes.Added,
			Updated: changes.Updated,
			Removed: changes.Removed,
		}
		for _, callback := range self.entityCallbacks.Get() {
			callback(change)
		}
	}
	if changes.OrderChanged {
		for _, callback := range self.orderCallbacks.Get() {
			callback(changes.Order)
		}
	}
	if changes.MetadataChanged {
		newMetadata := self.Metadata()
		for _, callback := range self.metadataCallbacks.Get() {
			callback(newMetadata)
		}
	}
}

// reads

func (self *DocStore) Entities() map[string]json.RawMessage {
	return self.doc.Entities()
}

func (self *DocStore) Entity(key string) (json.RawMessage, bool) {
	return self.doc.Entity(key)
}

// Order may reference keys with no entity; orphan filtering is the
// consumer's responsibility.
func (self *DocStore) Order() []string {
	return self.doc.Order()
}

func (self *DocStore) Metadata() map[string]json.RawMessage {
	return self.doc.Metadata()
}

func (self *DocStore) StateVector() crdt.StateVector {
	return self.doc.StateVector()
}

func (self *DocStore) OpsSince(sv crdt.StateVector) []crdt.Op {
	return self.doc.OpsSince(sv)
}

// Snapshot captures the current merged state as a saveable document.
func (self *DocStore) Snapshot(id string, name string) *Document {
	return &Document{
		Id:       id,
		Name:     name,
		Entities: self.Entities(),
		Order:    self.Order(),
		Metadata: self.Metadata(),
	}
}
