package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A `Doc` is one replica of a shared diagram document. It holds three
// collections: a keyed entity map, an ordered sequence of entity keys, and a
// scalar metadata map. Concurrent edits converge with last-writer-wins
// semantics using a lamport clock, with the peer id breaking ties.
//
// Every local mutation mints one or more `Op`s stamped with this replica's
// peer id and a per-peer sequence number. The sequence numbers form the
// state vector used by the sync handshake: a replica that knows the other
// side's state vector can compute exactly the ops it is missing.

type OpKind string

const (
	OpSetEntity    OpKind = "setEntity"
	OpDeleteEntity OpKind = "deleteEntity"
	OpSetOrder     OpKind = "setOrder"
	OpSetMetadata  OpKind = "setMetadata"
)

type Op struct {
	Peer  uint64          `json:"peer"`
	Seq   uint64          `json:"seq"`
	Clock uint64          `json:"clock"`
	Kind  OpKind          `json:"kind"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Order []string        `json:"order,omitempty"`
}

// peer id -> highest sequence number seen from that peer
type StateVector map[uint64]uint64

func (self StateVector) Clone() StateVector {
	out := StateVector{}
	maps.Copy(out, self)
	return out
}

// the net effect of applying a remote update
type Changes struct {
	Added   map[string]json.RawMessage
	Updated map[string]json.RawMessage
	Removed []string

	OrderChanged bool
	Order        []string

	MetadataChanged bool
	Metadata        map[string]json.RawMessage
}

func (self *Changes) Empty() bool {
	return len(self.Added) == 0 &&
		len(self.Updated) == 0 &&
		len(self.Removed) == 0 &&
		!self.OrderChanged &&
		!self.MetadataChanged
}

type register struct {
	clock   uint64
	peer    uint64
	value   json.RawMessage
	deleted bool
}

// (clock, peer) ordering. Higher wins.
func (self *register) loses(clock uint64, peer uint64) bool {
	if self.clock != clock {
		return self.clock < clock
	}
	return self.peer < peer
}

type orderRegister struct {
	clock uint64
	peer  uint64
	value []string
}

type Doc struct {
	stateLock sync.Mutex

	peerId uint64
	clock  uint64
	seq    uint64

	entities map[string]*register
	order    orderRegister
	metadata map[string]*register

	log     []Op
	version StateVector

	// remote ops received ahead of a gap in their peer's sequence,
	// keyed peer -> seq
	pending map[uint64]map[uint64]Op
}

// NewPeerId mints a process-random peer id in the 53-bit range so it
// survives a round trip through JSON number encoding.
func NewPeerId() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:]) & ((1 << 53) - 1)
}

func NewDoc(peerId uint64) *Doc {
	return &Doc{
		peerId:   peerId,
		entities: map[string]*register{},
		metadata: map[string]*register{},
		version:  StateVector{},
		pending:  map[uint64]map[uint64]Op{},
	}
}

func (self *Doc) PeerId() uint64 {
	return self.peerId
}

// local mutations

func (self *Doc) SetEntity(key string, value json.RawMessage) Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.mintOp(Op{Kind: OpSetEntity, Key: key, Value: slices.Clone(value)})
}

func (self *Doc) SetEntities(entities map[string]json.RawMessage) []Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(entities)
	slices.Sort(keys)
	ops := make([]Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, self.mintOp(Op{Kind: OpSetEntity, Key: key, Value: slices.Clone(entities[key])}))
	}
	return ops
}

func (self *Doc) DeleteEntity(key string) Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.mintOp(Op{Kind: OpDeleteEntity, Key: key})
}

func (self *Doc) DeleteEntities(keys []string) []Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := make([]Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, self.mintOp(Op{Kind: OpDeleteEntity, Key: key}))
	}
	return ops
}

func (self *Doc) SetOrder(order []string) Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.mintOp(Op{Kind: OpSetOrder, Order: slices.Clone(order)})
}

func (self *Doc) SetMetadata(metadata map[string]json.RawMessage) []Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(metadata)
	slices.Sort(keys)
	ops := make([]Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, self.mintOp(Op{Kind: OpSetMetadata, Key: key, Value: slices.Clone(metadata[key])}))
	}
	return ops
}

// mintOp stamps, applies and records one local op. Callers hold stateLock.
func (self *Doc) mintOp(op Op) Op {
	self.clock += 1
	self.seq += 1
	op.Peer = self.peerId
	op.Seq = self.seq
	op.Clock = self.clock
	self.applyOp(op, &Changes{})
	self.log = append(self.log, op)
	self.version[self.peerId] = self.seq
	return op
}

// reads

func (self *Doc) Entities() map[string]json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := map[string]json.RawMessage{}
	for key, reg := range self.entities {
		if !reg.deleted {
			out[key] = slices.Clone(reg.value)
		}
	}
	return out
}

func (self *Doc) Entity(key string) (json.RawMessage, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	reg, ok := self.entities[key]
	if !ok || reg.deleted {
		return nil, false
	}
	return slices.Clone(reg.value), true
}

func (self *Doc) Order() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.order.value)
}

func (self *Doc) Metadata() map[string]json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := map[string]json.RawMessage{}
	for key, reg := range self.metadata {
		if !reg.deleted {
			out[key] = slices.Clone(reg.value)
		}
	}
	return out
}

// sync

func (self *Doc) StateVector() StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version.Clone()
}

// OpsSince returns, in log order, every op the holder of `sv` is missing.
func (self *Doc) OpsSince(sv StateVector) []Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := []Op{}
	for _, op := range self.log {
		if op.Seq > sv[op.Peer] {
			ops = append(ops, op)
		}
	}
	return ops
}

// Apply merges a remote update. It is idempotent: ops already seen are
// skipped by their (peer, seq) stamp. Ops arriving ahead of a gap in their
// peer's sequence are parked and committed once the gap fills, so the
// version vector only ever advances contiguously and OpsSince never
// under-reports. A malformed op rejects the whole update without mutating
// state.
func (self *Doc) Apply(ops []Op) (*Changes, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i := range ops {
		if err := validateOp(&ops[i]); err != nil {
			return nil, err
		}
	}

	changes := &Changes{}
	for _, op := range ops {
		self.admitOp(op, changes)
	}
	return changes, nil
}

// admitOp commits op if it is the next sequence number for its peer, then
// drains any parked successors. Out-of-order ops are parked, duplicates
// dropped. Callers hold stateLock.
func (self *Doc) admitOp(op Op, changes *Changes) {
	next := self.version[op.Peer] + 1
	if op.Seq < next {
		// already applied
		return
	}
	if next < op.Seq {
		parked := self.pending[op.Peer]
		if parked == nil {
			parked = map[uint64]Op{}
			self.pending[op.Peer] = parked
		}
		parked[op.Seq] = op
		return
	}

	self.commitOp(op, changes)
	parked := self.pending[op.Peer]
	for {
		buffered, ok := parked[self.version[op.Peer]+1]
		if !ok {
			break
		}
		delete(parked, buffered.Seq)
		self.commitOp(buffered, changes)
	}
	if len(parked) == 0 {
		delete(self.pending, op.Peer)
	}
}

// commitOp merges one in-sequence remote op. Callers hold stateLock.
func (self *Doc) commitOp(op Op, changes *Changes) {
	self.applyOp(op, changes)
	self.log = append(self.log, op)
	self.version[op.Peer] = op.Seq
	if self.clock < op.Clock {
		self.clock = op.Clock
	}
}

func validateOp(op *Op) error {
	if op.Peer == 0 {
		return fmt.Errorf("op missing peer id")
	}
	if op.Seq == 0 {
		return fmt.Errorf("op missing sequence number")
	}
	switch op.Kind {
	case OpSetEntity, OpSetMetadata:
		if op.Key == "" {
			return fmt.Errorf("%s op missing key", op.Kind)
		}
		if len(op.Value) == 0 || !json.Valid(op.Value) {
			return fmt.Errorf("%s op has invalid value", op.Kind)
		}
	case OpDeleteEntity:
		if op.Key == "" {
			return fmt.Errorf("%s op missing key", op.Kind)
		}
	case OpSetOrder:
	default:
		return fmt.Errorf("unknown op kind: %q", op.Kind)
	}
	return nil
}

// applyOp merges one op into the register state. Callers hold stateLock.
func (self *Doc) applyOp(op Op, changes *Changes) {
	switch op.Kind {
	case OpSetEntity:
		reg, ok := self.entities[op.Key]
		if ok && !reg.loses(op.Clock, op.Peer) {
			return
		}
		existed := ok && !reg.deleted
		self.entities[op.Key] = &register{
			clock: op.Clock,
			peer:  op.Peer,
			value: op.Value,
		}
		if existed {
			if changes.Updated == nil {
				changes.Updated = map[string]json.RawMessage{}
			}
			changes.Updated[op.Key] = op.Value
		} else {
			if changes.Added == nil {
				changes.Added = map[string]json.RawMessage{}
			}
			changes.Added[op.Key] = op.Value
		}
	case OpDeleteEntity:
		reg, ok := self.entities[op.Key]
		if ok && !reg.loses(op.Clock, op.Peer) {
			return
		}
		existed := ok && !reg.deleted
		self.entities[op.Key] = &register{
			clock:   op.Clock,
			peer:    op.Peer,
			deleted: true,
		}
		if existed {
			changes.Removed = append(changes.Removed, op.Key)
		}
	case OpSetOrder:
		if self.order.clock != 0 || self.order.peer != 0 {
			reg := register{clock: self.order.clock, peer: self.order.peer}
			if !reg.loses(op.Clock, op.Peer) {
				return
			}
		}
		self.order = orderRegister{
			clock: op.Clock,
			peer:  op.Peer,
			value: op.Order,
		}
		changes.OrderChanged = true
		changes.Order = slices.Clone(op.Order)
	case OpSetMetadata:
		reg, ok := self.metadata[op.Key]
		if ok && !reg.loses(op.Clock, op.Peer) {
			return
		}
		self.metadata[op.Key] = &register{
			clock: op.Clock,
			peer:  op.Peer,
			value: op.Value,
		}
		changes.MetadataChanged = true
		if changes.Metadata == nil {
			changes.Metadata = map[string]json.RawMessage{}
		}
		changes.Metadata[op.Key] = op.Value
	}
}
