package collab

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Registry sits above the connection's document ops and event stream. It
// keeps a metadata index keyed by document id, a content cache, and
// per-document loading flags. It is a consumer of the sync core, not part
// of it.

type RegistryChangeFunction func()

type Registry struct {
	conn *Conn

	stateLock sync.Mutex

	index   map[string]*DocumentInfo
	content map[string]*Document
	loading map[string]bool

	listLoading bool

	changeCallbacks *CallbackList[RegistryChangeFunction]

	eventUnsub func()
}

func NewRegistry(conn *Conn) *Registry {
	registry := &Registry{
		conn:            conn,
		index:           map[string]*DocumentInfo{},
		content:         map[string]*Document{},
		loading:         map[string]bool{},
		changeCallbacks: NewCallbackList[RegistryChangeFunction](),
	}
	registry.eventUnsub = conn.AddDocEventCallback(registry.handleDocEvent)
	return registry
}

func (self *Registry) AddChangeCallback(callback RegistryChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Registry) notifyChange() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}

func (self *Registry) handleDocEvent(event *DocEvent) {
	self.stateLock.Lock()
	switch event.EventType {
	case DocEventCreated, DocEventUpdated:
		if event.Metadata != nil {
			info := *event.Metadata
			self.index[event.DocId] = &info
		}
		if event.EventType == DocEventUpdated {
			// cached content is stale now
			delete(self.content, event.DocId)
		}
	case DocEventDeleted:
		delete(self.index, event.DocId)
		delete(self.content, event.DocId)
	default:
		self.stateLock.Unlock()
		glog.V(2).Infof("[registry]ignore event %q\n", event.EventType)
		return
	}
	self.stateLock.Unlock()

	self.notifyChange()
}

// Refresh replaces the metadata index with the host's current listing.
func (self *Registry) Refresh(callback apiCallback[[]DocumentInfo]) {
	self.stateLock.Lock()
	self.listLoading = true
	self.stateLock.Unlock()
	self.notifyChange()

	self.conn.ListDocuments(NewApiCallback(func(result *DocListResponse, err error) {
		self.stateLock.Lock()
		self.listLoading = false
		if err == nil {
			index := map[string]*DocumentInfo{}
			for i := range result.Documents {
				info := result.Documents[i]
				index[info.Id] = &info
			}
			self.index = index
		}
		self.stateLock.Unlock()
		self.notifyChange()

		if err != nil {
			callback.Result(nil, err)
		} else {
			callback.Result(result.Documents, nil)
		}
	}))
}

func (self *Registry) RefreshSync() ([]DocumentInfo, error) {
	callback, c := NewBlockingApiCallback[[]DocumentInfo]()
	self.Refresh(callback)
	r := <-c
	return r.Result, r.Error
}

// Load returns cached content when present, otherwise fetches from the
// host and caches the result. Concurrent loads of the same id each issue
// their own fetch; last write wins in the cache.
func (self *Registry) Load(docId string, callback apiCallback[*Document]) {
	self.stateLock.Lock()
	if document, ok := self.content[docId]; ok {
		self.stateLock.Unlock()
		callback.Result(document, nil)
		return
	}
	self.loading[docId] = true
	self.stateLock.Unlock()
	self.notifyChange()

	self.conn.GetDocument(docId, NewApiCallback(func(result *DocGetResponse, err error) {
		self.stateLock.Lock()
		delete(self.loading, docId)
		if err == nil {
			self.content[docId] = result.Document
			self.index[docId] = result.Document.Info()
		}
		self.stateLock.Unlock()
		self.notifyChange()

		if err != nil {
			callback.Result(nil, err)
		} else {
			callback.Result(result.Document, nil)
		}
	}))
}

func (self *Registry) LoadSync(docId string) (*Document, error) {
	callback, c := NewBlockingApiCallback[*Document]()
	self.Load(docId, callback)
	r := <-c
	return r.Result, r.Error
}

// Documents lists the index ordered by most recently modified.
func (self *Registry) Documents() []DocumentInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	infos := []DocumentInfo{}
	for _, info := range self.index {
		infos = append(infos, *info)
	}
	slices.SortFunc(infos, func(a DocumentInfo, b DocumentInfo) int {
		if a.ModifiedAt != b.ModifiedAt {
			if a.ModifiedAt > b.ModifiedAt {
				return -1
			}
			return 1
		}
		if a.Id < b.Id {
			return -1
		}
		if a.Id > b.Id {
			return 1
		}
		return 0
	})
	return infos
}

func (self *Registry) Info(docId string) (DocumentInfo, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	info, ok := self.index[docId]
	if !ok {
		return DocumentInfo{}, false
	}
	return *info, true
}

func (self *Registry) Content(docId string) (*Document, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	document, ok := self.content[docId]
	return document, ok
}

func (self *Registry) IsLoading(docId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading[docId]
}

func (self *Registry) IsListLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.listLoading
}

// Invalidate drops cached content so the next load fetches fresh.
func (self *Registry) Invalidate(docId string) {
	self.stateLock.Lock()
	delete(self.content, docId)
	self.stateLock.Unlock()
	self.notifyChange()
}

// Permission computes the effective permission for the connection's
// current identity against the cached content of the document.
func (self *Registry) Permission(docId string) Permission {
	identity := self.conn.Identity()

	self.stateLock.Lock()
	document, ok := self.content[docId]
	self.stateLock.Unlock()
	if !ok {
		return PermissionNone
	}
	return EffectivePermission(document, identity)
}

func (self *Registry) Close() {
	if self.eventUnsub != nil {
		self.eventUnsub()
		self.eventUnsub = nil
	}
	self.stateLock.Lock()
	maps.Clear(self.index)
	maps.Clear(self.content)
	maps.Clear(self.loading)
	self.stateLock.Unlock()
}

// EffectivePermission derives owner/editor/viewer access from the
// identity, the document's sharing list, and the identity's role. Admins
// act as owners everywhere.
func EffectivePermission(document *Document, identity *Identity) Permission {
	if document == nil || identity == nil {
		return PermissionNone
	}
	if identity.Role == "admin" {
		return PermissionOwner
	}
	if document.OwnerId == identity.Id {
		return PermissionOwner
	}
	for _, share := range document.Shares {
		if share.UserId == identity.Id {
			switch share.Permission {
			case PermissionOwner, PermissionEditor, PermissionViewer:
				return share.Permission
			}
		}
	}
	return PermissionNone
}
