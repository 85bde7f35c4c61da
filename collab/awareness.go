package collab

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Awareness is the ephemeral presence table: one state record per connected
// peer, keyed by the numeric client id the document replica was minted
// with. Nothing here persists; the remote half of the table is cleared on
// disconnect. Outbound diffs carry only the changed peers to bound message
// size under churn.

type AwarenessChangeFunction func(changedClientIds []uint64)

// receives outbound diffs for broadcast
type AwarenessUpdateFunction func(update *AwarenessUpdate)

type Awareness struct {
	stateLock sync.Mutex

	localClientId uint64

	states map[uint64]*AwarenessState
	clocks map[uint64]uint64

	changeCallbacks *CallbackList[AwarenessChangeFunction]
	updateCallbacks *CallbackList[AwarenessUpdateFunction]
}

func NewAwareness(localClientId uint64) *Awareness {
	return &Awareness{
		localClientId:   localClientId,
		states:          map[uint64]*AwarenessState{},
		clocks:          map[uint64]uint64{},
		changeCallbacks: NewCallbackList[AwarenessChangeFunction](),
		updateCallbacks: NewCallbackList[AwarenessUpdateFunction](),
	}
}

func (self *Awareness) ClientId() uint64 {
	return self.localClientId
}

func (self *Awareness) AddChangeCallback(callback AwarenessChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Awareness) AddUpdateCallback(callback AwarenessUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// SetLocalUser replaces the user field of the local record.
func (self *Awareness) SetLocalUser(user *PresenceUser) {
	self.mutateLocal(func(state *AwarenessState) {
		state.User = user
	})
}

// SetLocalState replaces the whole local record.
func (self *Awareness) SetLocalState(state *AwarenessState) {
	self.mutateLocal(func(local *AwarenessState) {
		*local = *state
	})
}

func (self *Awareness) UpdateCursor(x float64, y float64) {
	self.mutateLocal(func(state *AwarenessState) {
		state.Cursor = &Cursor{X: x, Y: y}
	})
}

func (self *Awareness) UpdateSelection(ids []string) {
	self.mutateLocal(func(state *AwarenessState) {
		state.Selection = slices.Clone(ids)
	})
}

func (self *Awareness) mutateLocal(mutate func(state *AwarenessState)) {
	self.stateLock.Lock()
	state, ok := self.states[self.localClientId]
	if !ok {
		state = &AwarenessState{}
		self.states[self.localClientId] = state
	}
	mutate(state)
	self.clocks[self.localClientId] += 1
	update := &AwarenessUpdate{
		Entries: []AwarenessEntry{{
			ClientId: self.localClientId,
			Clock:    self.clocks[self.localClientId],
			State:    cloneAwarenessState(state),
		}},
	}
	self.stateLock.Unlock()

	for _, callback := range self.updateCallbacks.Get() {
		callback(update)
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback([]uint64{self.localClientId})
	}
}

func (self *Awareness) LocalState() *AwarenessState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return cloneAwarenessState(self.states[self.localClientId])
}

// LocalUpdate is the diff that (re)announces the local record, sent once
// after each connect.
func (self *Awareness) LocalUpdate() *AwarenessUpdate {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.states[self.localClientId]
	if !ok {
		return nil
	}
	return &AwarenessUpdate{
		Entries: []AwarenessEntry{{
			ClientId: self.localClientId,
			Clock:    self.clocks[self.localClientId],
			State:    cloneAwarenessState(state),
		}},
	}
}

// RemoteUsers returns a fresh map excluding the local peer.
func (self *Awareness) RemoteUsers() map[uint64]*AwarenessState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := map[uint64]*AwarenessState{}
	for clientId, state := range self.states {
		if clientId == self.localClientId {
			continue
		}
		out[clientId] = cloneAwarenessState(state)
	}
	return out
}

// ApplyUpdate merges an inbound diff. Entries older than what is already
// known are discarded; a nil state removes the peer.
func (self *Awareness) ApplyUpdate(update *AwarenessUpdate) {
	self.stateLock.Lock()
	changed := []uint64{}
	for _, entry := range update.Entries {
		if entry.ClientId == self.localClientId {
			// the local record is authoritative here
			continue
		}
		if entry.Clock <= self.clocks[entry.ClientId] {
			continue
		}
		self.clocks[entry.ClientId] = entry.Clock
		if entry.State == nil {
			if _, ok := self.states[entry.ClientId]; ok {
				delete(self.states, entry.ClientId)
				changed = append(changed, entry.ClientId)
			}
			continue
		}
		self.states[entry.ClientId] = cloneAwarenessState(entry.State)
		changed = append(changed, entry.ClientId)
	}
	self.stateLock.Unlock()

	if len(changed) == 0 {
		return
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback(changed)
	}
}

// Clear drops every remote record, keeping the local one. Called on
// disconnect.
func (self *Awareness) Clear() {
	self.stateLock.Lock()
	changed := []uint64{}
	for clientId := range self.states {
		if clientId == self.localClientId {
			continue
		}
		delete(self.states, clientId)
		delete(self.clocks, clientId)
		changed = append(changed, clientId)
	}
	self.stateLock.Unlock()

	if len(changed) == 0 {
		return
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback(changed)
	}
}

func (self *Awareness) Destroy() {
	self.Clear()
	self.changeCallbacks.Clear()
	self.updateCallbacks.Clear()

	self.stateLock.Lock()
	maps.Clear(self.states)
	maps.Clear(self.clocks)
	self.stateLock.Unlock()
}

func cloneAwarenessState(state *AwarenessState) *AwarenessState {
	if state == nil {
		return nil
	}
	out := &AwarenessState{}
	if state.User != nil {
		user := *state.User
		out.User = &user
	}
	if state.Cursor != nil {
		cursor := *state.Cursor
		out.Cursor = &cursor
	}
	out.Selection = slices.Clone(state.Selection)
	return out
}
