package host

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flowdraw/collab/collab"
	"github.com/flowdraw/collab/crdt"
)

// Host is the remote end of the sync protocol: one websocket endpoint
// carrying crdt sync, awareness relay, auth, and document ops. Rooms are
// keyed by doc id; each owns a server-side replica that joining peers
// handshake against.

type HostSettings struct {
	WriteTimeout time.Duration
}

func DefaultHostSettings() *HostSettings {
	return &HostSettings{
		WriteTimeout: 5 * time.Second,
	}
}

type Host struct {
	ctx    context.Context
	cancel context.CancelFunc

	store Store
	auth  *Authenticator

	settings *HostSettings

	stateLock sync.Mutex
	rooms     map[string]*room
	sessions  map[*session]bool

	upgrader websocket.Upgrader
}

func NewHost(ctx context.Context, store Store, auth *Authenticator, settings *HostSettings) *Host {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Host{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		auth:     auth,
		settings: settings,
		rooms:    map[string]*room{},
		sessions: map[*session]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Host) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/sync", self.handleSync)
	router.HandleFunc("/status", self.handleStatus).Methods("GET")
	return router
}

func (self *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	sessionCount := len(self.sessions)
	roomCount := len(self.rooms)
	self.stateLock.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	glog.V(2).Infof("[host]status sessions=%d rooms=%d\n", sessionCount, roomCount)
	w.Write([]byte("ok\n"))
}

func (self *Host) Close() {
	self.cancel()

	self.stateLock.Lock()
	sessions := []*session{}
	for s := range self.sessions {
		sessions = append(sessions, s)
	}
	self.stateLock.Unlock()

	for _, s := range sessions {
		s.ws.Close()
	}
}

func (self *Host) handleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[host]upgrade error = %s\n", err)
		return
	}

	s := &session{
		host: self,
		ws:   ws,
	}

	self.stateLock.Lock()
	self.sessions[s] = true
	self.stateLock.Unlock()

	if docId := r.URL.Query().Get("doc"); docId != "" {
		self.joinRoom(s, docId)
	}

	s.readLoop()

	self.leaveRoom(s)
	self.stateLock.Lock()
	delete(self.sessions, s)
	self.stateLock.Unlock()
	ws.Close()
}

// room returns the room for the doc id, seeding a new replica from the
// store when the room does not exist yet.
func (self *Host) room(docId string) *room {
	self.stateLock.Lock()
	r, ok := self.rooms[docId]
	if ok {
		self.stateLock.Unlock()
		return r
	}
	r = newRoom(docId)
	self.rooms[docId] = r
	self.stateLock.Unlock()

	if document, err := self.store.Get(self.ctx, docId); err == nil {
		r.seed(document)
	}
	return r
}

func (self *Host) joinRoom(s *session, docId string) {
	self.leaveRoom(s)

	r := self.room(docId)
	r.add(s)
	s.room = r

	// offer the room's view so the peer pushes what the room is missing
	s.send(collab.MessageTypeSync, &collab.SyncPayload{
		Step:        collab.SyncStepOne,
		DocId:       docId,
		StateVector: r.stateVector(),
	})
}

func (self *Host) leaveRoom(s *session) {
	if s.room == nil {
		return
	}
	s.room.remove(s)
	s.room = nil
}

// broadcastEvent fans a registry event out to every connected session,
// including the actor.
func (self *Host) broadcastEvent(event *collab.DocEvent) {
	self.stateLock.Lock()
	sessions := []*session{}
	for s := range self.sessions {
		sessions = append(sessions, s)
	}
	self.stateLock.Unlock()

	for _, s := range sessions {
		s.send(collab.MessageTypeDocEvent, event)
	}
}

// room

type room struct {
	docId string

	stateLock sync.Mutex
	doc       *crdt.Doc
	members   map[*session]bool
}

func newRoom(docId string) *room {
	return &room{
		docId:   docId,
		doc:     crdt.NewDoc(crdt.NewPeerId()),
		members: map[*session]bool{},
	}
}

// seed loads stored content into the replica as the room's own ops
func (self *room) seed(document *collab.Document) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.doc.SetEntities(document.Entities)
	if 0 < len(document.Order) {
		self.doc.SetOrder(document.Order)
	}
	if 0 < len(document.Metadata) {
		self.doc.SetMetadata(document.Metadata)
	}
}

func (self *room) add(s *session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.members[s] = true
}

func (self *room) remove(s *session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.members, s)
}

func (self *room) stateVector() crdt.StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.doc.StateVector()
}

func (self *room) opsSince(stateVector crdt.StateVector) []crdt.Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.doc.OpsSince(stateVector)
}

func (self *room) apply(ops []crdt.Op) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, err := self.doc.Apply(ops)
	return err
}

// relay sends the message to every member except the origin
func (self *room) relay(origin *session, messageType collab.MessageType, payload any) {
	self.stateLock.Lock()
	members := []*session{}
	for member := range self.members {
		if member != origin {
			members = append(members, member)
		}
	}
	self.stateLock.Unlock()

	for _, member := range members {
		member.send(messageType, payload)
	}
}

// session

type session struct {
	host *Host
	ws   *websocket.Conn

	writeLock sync.Mutex

	identityLock sync.Mutex
	identity     *collab.Identity

	room *room
}

func (self *session) send(messageType collab.MessageType, payload any) {
	b, err := collab.EncodeMessage(messageType, payload)
	if err != nil {
		glog.Infof("[host]encode %s error = %s\n", messageType, err)
		return
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.host.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		glog.V(2).Infof("[host]-> %s error = %s\n", messageType, err)
	}
}

func (self *session) setIdentity(identity *collab.Identity) {
	self.identityLock.Lock()
	defer self.identityLock.Unlock()
	self.identity = identity
}

func (self *session) getIdentity() *collab.Identity {
	self.identityLock.Lock()
	defer self.identityLock.Unlock()
	return self.identity
}

func (self *session) readLoop() {
	for {
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[host]<- closed = %s\n", err)
			return
		}
		self.handleMessage(message)
	}
}

func (self *session) handleMessage(message []byte) {
	messageType, ok := collab.DecodeMessageType(message)
	if !ok {
		return
	}

	switch messageType {
	case collab.MessageTypeAuth:
		self.handleAuth(message)
	case collab.MessageTypeAuthLogin:
		self.handleAuthLogin(message)
	case collab.MessageTypeJoinDoc:
		var request collab.JoinDocRequest
		if err := collab.DecodeMessagePayload(message, &request); err == nil && request.DocId != "" {
			self.host.joinRoom(self, request.DocId)
		}
	case collab.MessageTypeSync:
		self.handleSync(message)
	case collab.MessageTypeAwareness:
		if self.room != nil {
			// ephemeral relay, the host keeps no awareness state
			var update collab.AwarenessUpdate
			if err := collab.DecodeMessagePayload(message, &update); err == nil {
				self.room.relay(self, collab.MessageTypeAwareness, &update)
			}
		}
	case collab.MessageTypeDocList:
		self.handleDocList(message)
	case collab.MessageTypeDocGet:
		self.handleDocGet(message)
	case collab.MessageTypeDocSave:
		self.handleDocSave(message)
	case collab.MessageTypeDocDelete:
		self.handleDocDelete(message)
	case collab.MessageTypeDocShare:
		self.handleDocShare(message)
	case collab.MessageTypeDocTransfer:
		self.handleDocTransfer(message)
	default:
		glog.V(2).Infof("[host]ignore %s\n", messageType)
	}
}

func (self *session) handleAuth(message []byte) {
	var token string
	if err := collab.DecodeMessagePayload(message, &token); err != nil {
		self.send(collab.MessageTypeAuthResponse, &collab.AuthResponse{
			Success: false,
			Error:   "Malformed auth message",
		})
		return
	}

	identity, err := self.host.auth.VerifyToken(token)
	if err != nil {
		self.send(collab.MessageTypeAuthResponse, &collab.AuthResponse{
			Success: false,
			Error:   "Invalid token",
		})
		return
	}
	self.setIdentity(identity)

	// refresh the token so a long-lived session can keep reconnecting
	refreshed, expiresAt, err := self.host.auth.IssueToken(identity)
	response := &collab.AuthResponse{
		Success:  true,
		UserId:   identity.Id,
		Username: identity.Username,
		Role:     identity.Role,
	}
	if err == nil {
		response.Token = refreshed
		response.TokenExpiresAt = expiresAt
	}
	self.send(collab.MessageTypeAuthResponse, response)
}

func (self *session) handleAuthLogin(message []byte) {
	var request collab.AuthLoginRequest
	if err := collab.DecodeMessagePayload(message, &request); err != nil {
		self.send(collab.MessageTypeAuthResponse, &collab.AuthResponse{
			Success: false,
			Error:   "Malformed login message",
		})
		return
	}

	identity, err := self.host.auth.Login(request.Username, request.Password)
	if err != nil {
		self.send(collab.MessageTypeAuthResponse, &collab.AuthResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}
	self.setIdentity(identity)

	token, expiresAt, err := self.host.auth.IssueToken(identity)
	if err != nil {
		self.send(collab.MessageTypeAuthResponse, &collab.AuthResponse{
			Success: false,
			Error:   "Token issue failed",
		})
		return
	}
	self.send(collab.MessageTypeAuthResponse, &collab.AuthResponse{
		Success:        true,
		UserId:         identity.Id,
		Username:       identity.Username,
		Role:           identity.Role,
		Token:          token,
		TokenExpiresAt: expiresAt,
	})
}

func (self *session) handleSync(message []byte) {
	if self.room == nil {
		return
	}
	var payload collab.SyncPayload
	if err := collab.DecodeMessagePayload(message, &payload); err != nil {
		glog.Infof("[host]sync decode error = %s\n", err)
		return
	}

	switch payload.Step {
	case collab.SyncStepOne:
		self.send(collab.MessageTypeSync, &collab.SyncPayload{
			Step:  collab.SyncStepTwo,
			DocId: self.room.docId,
			Ops:   self.room.opsSince(payload.StateVector),
		})
	case collab.SyncStepTwo, collab.SyncStepUpdate:
		if err := self.room.apply(payload.Ops); err != nil {
			glog.Infof("[host]sync apply error = %s\n", err)
			return
		}
		if 0 < len(payload.Ops) {
			self.room.relay(self, collab.MessageTypeSync, &collab.SyncPayload{
				Step:  collab.SyncStepUpdate,
				DocId: self.room.docId,
				Ops:   payload.Ops,
			})
		}
	}
}

// document ops

func (self *session) permission(document *collab.Document) collab.Permission {
	return collab.EffectivePermission(document, self.getIdentity())
}

func (self *session) handleDocList(message []byte) {
	var request collab.DocListRequest
	if err := collab.DecodeMessagePayload(message, &request); err != nil {
		return
	}

	identity := self.getIdentity()
	if identity == nil {
		self.send(collab.MessageTypeDocList, &collab.DocListResponse{
			RequestId: request.RequestId,
			Documents: []collab.DocumentInfo{},
		})
		return
	}

	infos, err := self.host.store.List(self.host.ctx)
	if err != nil {
		glog.Infof("[host]list error = %s\n", err)
		infos = []collab.DocumentInfo{}
	}

	// only documents the identity can at least view
	visible := []collab.DocumentInfo{}
	for _, info := range infos {
		document, err := self.host.store.Get(self.host.ctx, info.Id)
		if err != nil {
			continue
		}
		if self.permission(document) != collab.PermissionNone {
			visible = append(visible, info)
		}
	}
	self.send(collab.MessageTypeDocList, &collab.DocListResponse{
		RequestId: request.RequestId,
		Documents: visible,
	})
}

func (self *session) handleDocGet(message []byte) {
	var request collab.DocGetRequest
	if err := collab.DecodeMessagePayload(message, &request); err != nil {
		return
	}
	respond := func(document *collab.Document, errorMessage string) {
		self.send(collab.MessageTypeDocGet, &collab.DocGetResponse{
			RequestId: request.RequestId,
			Document:  document,
			Error:     errorMessage,
		})
	}

	if self.getIdentity() == nil {
		respond(nil, collab.ErrCodeNotAuthenticated+": Authentication required")
		return
	}
	document, err := self.host.store.Get(self.host.ctx, request.DocId)
	if err != nil {
		respond(nil, collab.ErrCodeDocNotFound+": Document not found")
		return
	}
	if self.permission(document) == collab.PermissionNone {
		respond(nil, collab.ErrCodeViewForbidden+": Not authorized")
		return
	}
	respond(document, "")
}

func (self *session) handleDocSave(message []byte) {
	var request collab.DocSaveRequest
	if err := collab.DecodeMessagePayload(message, &request); err != nil {
		return
	}
	respond := func(errorMessage string) {
		self.send(collab.MessageTypeDocSave, &collab.DocSaveResponse{
			RequestId: request.RequestId,
			Success:   errorMessage == "",
			Error:     errorMessage,
		})
	}

	identity := self.getIdentity()
	if identity == nil {
		respond(collab.ErrCodeNotAuthenticated + ": Authentication required")
		return
	}
	if request.Document == nil {
		respond("Missing document")
		return
	}

	document := request.Document
	now := time.Now().UnixMilli()
	eventType := collab.DocEventUpdated

	existing, err := self.host.store.Get(self.host.ctx, document.Id)
	if err == nil {
		switch self.permission(existing) {
		case collab.PermissionOwner, collab.PermissionEditor:
		case collab.PermissionViewer:
			respond(collab.ErrCodeEditForbidden + ": Not authorized")
			return
		default:
			respond(collab.ErrCodeAccessDenied + ": Not authorized")
			return
		}
		// the store's ownership record wins over whatever the client sent
		document.OwnerId = existing.OwnerId
		document.OwnerName = existing.OwnerName
		document.CreatedAt = existing.CreatedAt
		document.Shares = existing.Shares
	} else {
		eventType = collab.DocEventCreated
		if document.Id == "" {
			document.Id = uuid.NewString()
		}
		document.OwnerId = identity.Id
		document.OwnerName = identity.Username
		document.CreatedAt = now
	}
	document.ModifiedAt = now

	if err := self.host.store.Put(self.host.ctx, document); err != nil {
		glog.Infof("[host]save error = %s\n", err)
		respond("Save failed")
		return
	}
	respond("")

	self.host.broadcastEvent(&collab.DocEvent{
		EventType: eventType,
		DocId:     document.Id,
		Metadata:  document.Info(),
		UserId:    identity.Id,
	})
}

func (self *session) handleDocDelete(message []byte) {
	var request collab.DocDeleteRequest
	if err := collab.DecodeMessagePayload(message, &request); err != nil {
		return
	}
	respond := func(errorMessage string) {
		self.send(collab.MessageTypeDocDelete, &collab.DocDeleteResponse{
			RequestId: request.RequestId,
			Success:   errorMessage == "",
			Error:     errorMessage,
		})
	}

	identity := self.getIdentity()
	if identity == nil {
		respond(collab.ErrCodeNotAuthenticated + ": Authentication required")
		return
	}
	document, err := self.host.store.Get(self.host.ctx, request.DocId)
	if err != nil {
		respond(collab.ErrCodeDocNotFound + ": Document not found")
		return
	}
	if self.permission(document) != collab.PermissionOwner {
		respond(collab.ErrCodeDeleteForbidden + ": Not authorized")
		return
	}
	if err := self.host.store.Delete(self.host.ctx, request.DocId); err != nil {
		glog.Infof("[host]delete error = %s\n", err)
		respond("Delete failed")
		return
	}
	respond("")

	self.host.broadcastEvent(&collab.DocEvent{
		EventType: collab.DocEventDeleted,
		DocId:     request.DocId,
		UserId:    identity.Id,
	})
}

func (self *session) handleDocShare(message []byte) {
	var request collab.DocShareRequest
	if err := collab.DecodeMessagePayload(message, &request); err != nil {
		return
	}
	respond := func(errorMessage string) {
		self.send(collab.MessageTypeDocShare, &collab.DocShareResponse{
			RequestId: request.RequestId,
			Success:   errorMessage == "",
			Error:     errorMessage,
		})
	}

	identity := self.getIdentity()
	if identity == nil {
		respond(collab.ErrCodeNotAuthenticated + ": Authentication required")
		return
	}
	document, err := self.host.store.Get(self.host.ctx, request.DocId)
	if err != nil {
		respond(collab.ErrCodeDocNotFound + ": Document not found")
		return
	}
	if self.permission(document) != collab.PermissionOwner {
		respond(collab.ErrCodeAccessDenied + ": Not authorized")
		return
	}

	document.Shares = request.Shares
	document.ModifiedAt = time.Now().UnixMilli()
	if err := self.host.store.Put(self.host.ctx, document); err != nil {
		glog.Infof("[host]share error = %s\n", err)
		respond("Share update failed")
		return
	}
	respond("")

	self.host.broadcastEvent(&collab.DocEvent{
		EventType: collab.DocEventUpdated,
		DocId:     document.Id,
		Metadata:  document.Info(),
		UserId:    identity.Id,
	})
}

func (self *session) handleDocTransfer(message []byte) {
	var request collab.DocTransferRequest
	if err := collab.DecodeMessagePayload(message, &request); err != nil {
		return
	}
	respond := func(errorMessage string) {
		self.send(collab.MessageTypeDocTransfer, &collab.DocTransferResponse{
			RequestId: request.RequestId,
			Success:   errorMessage == "",
			Error:     errorMessage,
		})
	}

	identity := self.getIdentity()
	if identity == nil {
		respond(collab.ErrCodeNotAuthenticated + ": Authentication required")
		return
	}
	document, err := self.host.store.Get(self.host.ctx, request.DocId)
	if err != nil {
		respond(collab.ErrCodeDocNotFound + ": Document not found")
		return
	}
	if self.permission(document) != collab.PermissionOwner {
		respond(collab.ErrCodeAccessDenied + ": Not authorized")
		return
	}

	document.OwnerId = request.NewOwnerId
	document.OwnerName = request.NewOwnerName
	document.ModifiedAt = time.Now().UnixMilli()
	if err := self.host.store.Put(self.host.ctx, document); err != nil {
		glog.Infof("[host]transfer error = %s\n", err)
		respond("Transfer failed")
		return
	}
	respond("")

	self.host.broadcastEvent(&collab.DocEvent{
		EventType: collab.DocEventUpdated,
		DocId:     document.Id,
		Metadata:  document.Info(),
		UserId:    identity.Id,
	})
}
