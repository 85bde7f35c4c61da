package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	stateLock sync.Mutex

	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

// Get returns a snapshot in registration order.
func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.callbackIds = nil
	self.callbacks = map[int]T{}
}
