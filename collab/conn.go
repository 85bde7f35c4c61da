package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/flowdraw/collab/crdt"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Conn is the single logical connection to the collaboration host. One
// ordered byte stream carries four interaction patterns at once: the CRDT
// diff-sync stream, the ephemeral awareness broadcast, the auth handshake,
// and the correlated request/response document-ops channel. Inbound bytes
// are demultiplexed by the leading type tag; handling is a straight-line
// dispatch per message, so traffic interleaves only at message granularity.

type ConnectionState string

const (
	ConnectionStateDisconnected   ConnectionState = "disconnected"
	ConnectionStateConnecting     ConnectionState = "connecting"
	ConnectionStateConnected      ConnectionState = "connected"
	ConnectionStateAuthenticating ConnectionState = "authenticating"
	ConnectionStateAuthenticated  ConnectionState = "authenticated"
	ConnectionStateError          ConnectionState = "error"
)

type ConnSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration
	LoginTimeout     time.Duration

	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		HandshakeTimeout:     2 * time.Second,
		WriteTimeout:         5 * time.Second,
		RequestTimeout:       10 * time.Second,
		LoginTimeout:         10 * time.Second,
		AutoReconnect:        true,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// credentials for the connection. A token takes precedence; otherwise a
// username/password pair drives a credential-login round trip on open.
type ConnAuth struct {
	Token    string
	Username string
	Password string
}

type StateChangeFunction func(state ConnectionState, errorMessage string, reconnectAttempts int)
type SyncedFunction func()
type DocEventFunction func(event *DocEvent)

type pendingRequest struct {
	requestId string
	timer     *time.Timer
	complete  func(payload []byte, err error)
}

type pendingLogin struct {
	timer    *time.Timer
	callback apiCallback[*LoginResult]
}

type LoginResult struct {
	Success        bool
	Token          string
	TokenExpiresAt int64
	User           *Identity
	Error          string
}

type LoginCallback apiCallback[*LoginResult]

type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	hostUrl string
	docId   string
	auth    *ConnAuth

	doc       *DocStore
	awareness *Awareness

	settings *ConnSettings

	stateLock sync.Mutex
	writeLock sync.Mutex

	ws      *websocket.Conn
	dialing bool

	state      ConnectionState
	stateError string

	synced         bool
	authenticated  bool
	identity       *Identity
	token          string
	tokenExpiresAt int64

	pendingRequests map[string]*pendingRequest
	login           *pendingLogin

	reconnectAttempts int
	reconnectTimer    *time.Timer

	intentionalClose bool
	destroyed        bool

	docUnsub       func()
	awarenessUnsub func()

	stateCallbacks    *CallbackList[StateChangeFunction]
	syncedCallbacks   *CallbackList[SyncedFunction]
	docEventCallbacks *CallbackList[DocEventFunction]
}

func NewConnWithDefaults(ctx context.Context, hostUrl string, docId string, auth *ConnAuth, doc *DocStore, awareness *Awareness) *Conn {
	return NewConn(ctx, hostUrl, docId, auth, doc, awareness, DefaultConnSettings())
}

func NewConn(ctx context.Context, hostUrl string, docId string, auth *ConnAuth, doc *DocStore, awareness *Awareness, settings *ConnSettings) *Conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		ctx:               cancelCtx,
		cancel:            cancel,
		hostUrl:           hostUrl,
		docId:             docId,
		auth:              auth,
		doc:               doc,
		awareness:         awareness,
		settings:          settings,
		state:             ConnectionStateDisconnected,
		pendingRequests:   map[string]*pendingRequest{},
		stateCallbacks:    NewCallbackList[StateChangeFunction](),
		syncedCallbacks:   NewCallbackList[SyncedFunction](),
		docEventCallbacks: NewCallbackList[DocEventFunction](),
	}

	conn.docUnsub = doc.AddLocalUpdateCallback(conn.broadcastDocUpdate)
	conn.awarenessUnsub = awareness.AddUpdateCallback(conn.broadcastAwareness)

	return conn
}

// getters

func (self *Conn) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Conn) StateError() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stateError
}

func (self *Conn) Synced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.synced
}

func (self *Conn) Authenticated() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authenticated
}

func (self *Conn) Identity() *Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.identity == nil {
		return nil
	}
	identity := *self.identity
	return &identity
}

func (self *Conn) Token() (string, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token, self.tokenExpiresAt
}

func (self *Conn) ReconnectAttempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempts
}

func (self *Conn) DocId() string {
	return self.docId
}

// subscriptions

func (self *Conn) AddStateChangeCallback(callback StateChangeFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Conn) AddSyncedCallback(callback SyncedFunction) func() {
	callbackId := self.syncedCallbacks.Add(callback)
	return func() {
		self.syncedCallbacks.Remove(callbackId)
	}
}

func (self *Conn) AddDocEventCallback(callback DocEventFunction) func() {
	callbackId := self.docEventCallbacks.Add(callback)
	return func() {
		self.docEventCallbacks.Remove(callbackId)
	}
}

func (self *Conn) setState(state ConnectionState, errorMessage string) {
	self.stateLock.Lock()
	self.state = state
	self.stateError = errorMessage
	reconnectAttempts := self.reconnectAttempts
	self.stateLock.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(state, errorMessage, reconnectAttempts)
	}
}

// Connect opens the transport. A call while a handle exists (or a dial is
// in flight) is a no-op.
func (self *Conn) Connect() {
	self.stateLock.Lock()
	if self.destroyed || self.ws != nil || self.dialing {
		self.stateLock.Unlock()
		return
	}
	self.dialing = true
	self.stateLock.Unlock()

	self.setState(ConnectionStateConnecting, "")
	go self.run()
}

func (self *Conn) target() (string, error) {
	u, err := url.Parse(self.hostUrl)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("doc", self.docId)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (self *Conn) run() {
	target, err := self.target()
	if err == nil {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.HandshakeTimeout,
		}
		var ws *websocket.Conn
		ws, _, err = dialer.DialContext(self.ctx, target, nil)
		if err == nil {
			self.opened(ws)
			return
		}
	}

	glog.Infof("[conn]dial %s error = %s\n", self.docId, err)
	self.stateLock.Lock()
	self.dialing = false
	self.stateLock.Unlock()
	self.handleClose(nil)
}

func (self *Conn) opened(ws *websocket.Conn) {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		ws.Close()
		return
	}
	self.ws = ws
	self.dialing = false
	self.reconnectAttempts = 0
	auth := self.auth
	self.stateLock.Unlock()

	self.setState(ConnectionStateConnected, "")

	if auth != nil && auth.Token != "" {
		self.setState(ConnectionStateAuthenticating, "")
		if err := self.send(MessageTypeAuth, auth.Token); err != nil {
			glog.Infof("[conn]auth send error = %s\n", err)
		}
	} else if auth != nil && auth.Username != "" {
		self.setState(ConnectionStateAuthenticating, "")
		self.LoginWithCredentials(auth.Username, auth.Password, NewApiCallback(func(result *LoginResult, err error) {
			if err != nil {
				self.setState(ConnectionStateError, err.Error())
			} else if !result.Success {
				self.setState(ConnectionStateError, result.Error)
			}
		}))
	}

	// join the room, ask the host for what we are missing, and announce
	// local presence
	if err := self.send(MessageTypeJoinDoc, &JoinDocRequest{DocId: self.docId}); err != nil {
		glog.Infof("[conn]join send error = %s\n", err)
	}
	if err := self.send(MessageTypeSync, &SyncPayload{
		Step:        SyncStepOne,
		DocId:       self.docId,
		StateVector: self.doc.StateVector(),
	}); err != nil {
		glog.Infof("[conn]sync step1 send error = %s\n", err)
	}
	if update := self.awareness.LocalUpdate(); update != nil {
		if err := self.send(MessageTypeAwareness, update); err != nil {
			glog.V(2).Infof("[conn]awareness send error = %s\n", err)
		}
	}

	self.readLoop(ws)
}

func (self *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[conn]%s<- closed = %s\n", self.docId, err)
			break
		}
		self.handleMessage(message)
	}
	self.handleClose(ws)
}

// handleMessage is the demultiplexer: one straight-line dispatch per
// message, keyed on the leading type byte.
func (self *Conn) handleMessage(message []byte) {
	messageType, ok := DecodeMessageType(message)
	if !ok {
		return
	}
	glog.V(2).Infof("[conn]%s<- %s (%s)\n", self.docId, messageType, ChannelOf(messageType))

	switch messageType {
	case MessageTypeSync:
		self.handleSync(message)
	case MessageTypeAwareness:
		self.handleAwareness(message)
	case MessageTypeAuthResponse:
		self.handleAuthResponse(message)
	case MessageTypeDocList, MessageTypeDocGet, MessageTypeDocSave,
		MessageTypeDocDelete, MessageTypeDocShare, MessageTypeDocTransfer:
		self.handleOpsResponse(message)
	case MessageTypeDocEvent:
		self.handleDocEvent(message)
	case MessageTypeError:
		var payload ErrorPayload
		if err := DecodeMessagePayload(message, &payload); err == nil {
			glog.Infof("[conn]host error = %s\n", payload.Error)
		}
	default:
		// unrecognized types are ignored
		glog.V(2).Infof("[conn]ignore %s\n", messageType)
	}
}

func (self *Conn) handleSync(message []byte) {
	var payload SyncPayload
	if err := DecodeMessagePayload(message, &payload); err != nil {
		glog.Infof("[conn]sync decode error = %s\n", err)
		return
	}

	switch payload.Step {
	case SyncStepOne:
		// the peer wants what it is missing
		if err := self.send(MessageTypeSync, &SyncPayload{
			Step:  SyncStepTwo,
			DocId: self.docId,
			Ops:   self.doc.OpsSince(payload.StateVector),
		}); err != nil {
			glog.V(2).Infof("[conn]sync step2 send error = %s\n", err)
		}
	case SyncStepTwo:
		if err := self.doc.ApplyRemote(payload.Ops); err != nil {
			glog.Infof("[conn]sync step2 apply error = %s\n", err)
			return
		}
		self.stateLock.Lock()
		alreadySynced := self.synced
		self.synced = true
		self.stateLock.Unlock()
		if !alreadySynced {
			for _, callback := range self.syncedCallbacks.Get() {
				callback()
			}
		}
	case SyncStepUpdate:
		if err := self.doc.ApplyRemote(payload.Ops); err != nil {
			glog.Infof("[conn]sync update apply error = %s\n", err)
		}
	default:
		glog.V(2).Infof("[conn]ignore sync step %q\n", payload.Step)
	}
}

func (self *Conn) handleAwareness(message []byte) {
	var update AwarenessUpdate
	if err := DecodeMessagePayload(message, &update); err != nil {
		glog.Infof("[conn]awareness decode error = %s\n", err)
		return
	}
	self.awareness.ApplyUpdate(&update)
}

func (self *Conn) handleAuthResponse(message []byte) {
	var response AuthResponse
	if err := DecodeMessagePayload(message, &response); err != nil {
		glog.Infof("[conn]auth response decode error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	loginPending := self.login != nil
	self.stateLock.Unlock()

	if loginPending {
		// the credential-login flow owns this response
		result := &LoginResult{
			Success:        response.Success,
			Token:          response.Token,
			TokenExpiresAt: response.TokenExpiresAt,
			Error:          response.Error,
		}
		if response.Success {
			result.User = &Identity{
				Id:       response.UserId,
				Username: response.Username,
				Role:     response.Role,
			}
		}
		self.completeLogin(result)
		return
	}

	// token-auth response
	if response.Success {
		self.stateLock.Lock()
		self.authenticated = true
		self.identity = &Identity{
			Id:       response.UserId,
			Username: response.Username,
			Role:     response.Role,
		}
		if response.Token != "" {
			self.token = response.Token
			self.tokenExpiresAt = response.TokenExpiresAt
		}
		self.stateLock.Unlock()
		self.setState(ConnectionStateAuthenticated, "")
	} else {
		self.setState(ConnectionStateError, response.Error)
	}
}

func (self *Conn) handleOpsResponse(message []byte) {
	var envelope requestIdEnvelope
	if err := DecodeMessagePayload(message, &envelope); err != nil {
		glog.Infof("[conn]ops response decode error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	pending, ok := self.pendingRequests[envelope.RequestId]
	if ok {
		pending.timer.Stop()
		delete(self.pendingRequests, envelope.RequestId)
	}
	self.stateLock.Unlock()

	if !ok {
		// already timed out or unknown
		glog.V(2).Infof("[conn]drop ops response %s\n", envelope.RequestId)
		return
	}
	pending.complete(message[1:], nil)
}

func (self *Conn) handleDocEvent(message []byte) {
	var event DocEvent
	if err := DecodeMessagePayload(message, &event); err != nil {
		glog.Infof("[conn]doc event decode error = %s\n", err)
		return
	}
	for _, callback := range self.docEventCallbacks.Get() {
		callback(&event)
	}
}

// handleClose runs exactly once per transport handle: clears the handle,
// fails every pending request, and schedules a reconnect unless the close
// was intentional.
func (self *Conn) handleClose(ws *websocket.Conn) {
	self.stateLock.Lock()
	if ws != nil {
		if self.ws != ws {
			// stale close from a previous handle
			self.stateLock.Unlock()
			return
		}
		self.ws = nil
	}
	self.synced = false
	self.authenticated = false
	wasDisconnected := self.state == ConnectionStateDisconnected
	intentional := self.intentionalClose
	self.intentionalClose = false
	destroyed := self.destroyed
	pending := self.pendingRequests
	self.pendingRequests = map[string]*pendingRequest{}
	login := self.login
	self.login = nil
	self.stateLock.Unlock()

	closedErr := errors.New("Connection closed")
	for _, p := range pending {
		p.timer.Stop()
		p.complete(nil, closedErr)
	}
	if login != nil {
		login.timer.Stop()
		login.callback.Result(&LoginResult{Success: false, Error: "Connection closed"}, nil)
	}

	if !wasDisconnected {
		self.setState(ConnectionStateDisconnected, "")
		if !destroyed && !intentional {
			self.scheduleReconnect()
		}
	}
}

func (self *Conn) scheduleReconnect() {
	self.stateLock.Lock()
	if !self.settings.AutoReconnect || self.destroyed || self.reconnectTimer != nil {
		self.stateLock.Unlock()
		return
	}
	if self.settings.MaxReconnectAttempts <= self.reconnectAttempts {
		self.stateLock.Unlock()
		self.setState(ConnectionStateError, "Max reconnect attempts reached")
		return
	}
	delay := self.settings.ReconnectDelay * (1 << self.reconnectAttempts)
	self.reconnectAttempts += 1
	attempt := self.reconnectAttempts
	self.reconnectTimer = time.AfterFunc(delay, func() {
		self.stateLock.Lock()
		self.reconnectTimer = nil
		self.stateLock.Unlock()
		self.Connect()
	})
	self.stateLock.Unlock()

	glog.Infof("[conn]reconnect attempt %d in %s\n", attempt, delay)
}

// Disconnect closes the transport intentionally: the pending reconnect
// timer is cancelled and nothing is rescheduled. The state transition to
// disconnected still runs through handleClose so state-change observers
// see it.
func (self *Conn) Disconnect() {
	self.stateLock.Lock()
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	self.intentionalClose = true
	ws := self.ws
	self.stateLock.Unlock()

	if ws != nil {
		ws.Close()
		// the read loop observes the close and runs handleClose, which
		// fails pending requests with "Connection closed"
	} else {
		self.handleClose(nil)
	}
}

// Destroy tears the session down in order: reconnect timer, transport
// (whose close handler fails pending requests), document and awareness
// observers, awareness table.
func (self *Conn) Destroy() {
	self.stateLock.Lock()
	self.destroyed = true
	self.stateLock.Unlock()

	self.Disconnect()
	self.cancel()

	if self.docUnsub != nil {
		self.docUnsub()
		self.docUnsub = nil
	}
	if self.awarenessUnsub != nil {
		self.awarenessUnsub()
		self.awarenessUnsub = nil
	}
	self.awareness.Clear()
}

// outbound

func (self *Conn) send(messageType MessageType, payload any) error {
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws == nil {
		return errors.New("Not connected")
	}

	b, err := EncodeMessage(messageType, payload)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	glog.V(2).Infof("[conn]%s-> %s\n", self.docId, messageType)
	return nil
}

// local mutations fan out to the host as incremental sync updates

func (self *Conn) broadcastDocUpdate(ops []crdt.Op) {
	if err := self.send(MessageTypeSync, &SyncPayload{
		Step:  SyncStepUpdate,
		DocId: self.docId,
		Ops:   ops,
	}); err != nil {
		glog.V(2).Infof("[conn]update broadcast skipped = %s\n", err)
	}
}

func (self *Conn) broadcastAwareness(update *AwarenessUpdate) {
	if err := self.send(MessageTypeAwareness, update); err != nil {
		glog.V(2).Infof("[conn]awareness broadcast skipped = %s\n", err)
	}
}

// request/response plumbing

// sendRequest registers a pending entry keyed by the correlation id, arms
// its timeout, and sends. Completion happens exactly once: response,
// timeout, send failure, or disconnect.
func sendRequest[R any](self *Conn, messageType MessageType, requestId string, args any, callback apiCallback[R], domainCheck func(result R) error) {
	complete := func(payload []byte, err error) {
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return
		}
		var result R
		if err := json.Unmarshal(payload, &result); err != nil {
			var empty R
			callback.Result(empty, err)
			return
		}
		if domainCheck != nil {
			// transport success and operation success are distinct
			if err := domainCheck(result); err != nil {
				var empty R
				callback.Result(empty, err)
				return
			}
		}
		callback.Result(result, nil)
	}

	self.stateLock.Lock()
	if self.ws == nil {
		self.stateLock.Unlock()
		complete(nil, errors.New("Not connected"))
		return
	}
	pending := &pendingRequest{
		requestId: requestId,
		complete:  complete,
	}
	pending.timer = time.AfterFunc(self.settings.RequestTimeout, func() {
		self.timeoutRequest(requestId)
	})
	self.pendingRequests[requestId] = pending
	self.stateLock.Unlock()

	if err := self.send(messageType, args); err != nil {
		self.stateLock.Lock()
		p, ok := self.pendingRequests[requestId]
		if ok {
			p.timer.Stop()
			delete(self.pendingRequests, requestId)
		}
		self.stateLock.Unlock()
		if ok {
			complete(nil, err)
		}
	}
}

func (self *Conn) timeoutRequest(requestId string) {
	self.stateLock.Lock()
	pending, ok := self.pendingRequests[requestId]
	if ok {
		delete(self.pendingRequests, requestId)
	}
	self.stateLock.Unlock()

	if ok {
		pending.complete(nil, errors.New("Request timeout"))
	}
}

// PendingRequestCount is exposed for observability.
func (self *Conn) PendingRequestCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingRequests)
}

// document ops

type DocListCallback apiCallback[*DocListResponse]

func (self *Conn) ListDocuments(callback DocListCallback) {
	requestId := NewRequestId()
	sendRequest[*DocListResponse](self, MessageTypeDocList, requestId, &DocListRequest{
		RequestId: requestId,
	}, callback, nil)
}

func (self *Conn) ListDocumentsSync() ([]DocumentInfo, error) {
	callback, c := NewBlockingApiCallback[*DocListResponse]()
	self.ListDocuments(callback)
	r := <-c
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result.Documents, nil
}

type DocGetCallback apiCallback[*DocGetResponse]

func (self *Conn) GetDocument(docId string, callback DocGetCallback) {
	requestId := NewRequestId()
	sendRequest(self, MessageTypeDocGet, requestId, &DocGetRequest{
		RequestId: requestId,
		DocId:     docId,
	}, callback, func(result *DocGetResponse) error {
		if result.Error != "" {
			return errors.New(result.Error)
		}
		if result.Document == nil {
			return errors.New(ErrCodeDocNotFound + ": Document missing from response")
		}
		return nil
	})
}

func (self *Conn) GetDocumentSync(docId string) (*Document, error) {
	callback, c := NewBlockingApiCallback[*DocGetResponse]()
	self.GetDocument(docId, callback)
	r := <-c
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result.Document, nil
}

type DocSaveCallback apiCallback[*DocSaveResponse]

func (self *Conn) SaveDocument(document *Document, callback DocSaveCallback) {
	requestId := NewRequestId()
	sendRequest(self, MessageTypeDocSave, requestId, &DocSaveRequest{
		RequestId: requestId,
		Document:  document,
	}, callback, func(result *DocSaveResponse) error {
		if !result.Success {
			return domainError(result.Error)
		}
		return nil
	})
}

func (self *Conn) SaveDocumentSync(document *Document) error {
	callback, c := NewBlockingApiCallback[*DocSaveResponse]()
	self.SaveDocument(document, callback)
	r := <-c
	return r.Error
}

type DocDeleteCallback apiCallback[*DocDeleteResponse]

func (self *Conn) DeleteDocument(docId string, callback DocDeleteCallback) {
	requestId := NewRequestId()
	sendRequest(self, MessageTypeDocDelete, requestId, &DocDeleteRequest{
		RequestId: requestId,
		DocId:     docId,
	}, callback, func(result *DocDeleteResponse) error {
		if !result.Success {
			return domainError(result.Error)
		}
		return nil
	})
}

func (self *Conn) DeleteDocumentSync(docId string) error {
	callback, c := NewBlockingApiCallback[*DocDeleteResponse]()
	self.DeleteDocument(docId, callback)
	r := <-c
	return r.Error
}

type DocShareCallback apiCallback[*DocShareResponse]

func (self *Conn) UpdateShares(docId string, shares []ShareEntry, callback DocShareCallback) {
	requestId := NewRequestId()
	sendRequest(self, MessageTypeDocShare, requestId, &DocShareRequest{
		RequestId: requestId,
		DocId:     docId,
		Shares:    shares,
	}, callback, func(result *DocShareResponse) error {
		if !result.Success {
			return domainError(result.Error)
		}
		return nil
	})
}

func (self *Conn) UpdateSharesSync(docId string, shares []ShareEntry) error {
	callback, c := NewBlockingApiCallback[*DocShareResponse]()
	self.UpdateShares(docId, shares, callback)
	r := <-c
	return r.Error
}

type DocTransferCallback apiCallback[*DocTransferResponse]

func (self *Conn) TransferOwnership(docId string, newOwnerId string, newOwnerName string, callback DocTransferCallback) {
	requestId := NewRequestId()
	sendRequest(self, MessageTypeDocTransfer, requestId, &DocTransferRequest{
		RequestId:    requestId,
		DocId:        docId,
		NewOwnerId:   newOwnerId,
		NewOwnerName: newOwnerName,
	}, callback, func(result *DocTransferResponse) error {
		if !result.Success {
			return domainError(result.Error)
		}
		return nil
	})
}

func (self *Conn) TransferOwnershipSync(docId string, newOwnerId string, newOwnerName string) error {
	callback, c := NewBlockingApiCallback[*DocTransferResponse]()
	self.TransferOwnership(docId, newOwnerId, newOwnerName, callback)
	r := <-c
	return r.Error
}

func domainError(message string) error {
	if message == "" {
		return errors.New("Operation failed")
	}
	return errors.New(message)
}

// credential login

// LoginWithCredentials is a one-shot operation distinct from steady-state
// auth. While it is pending, the auth-response handler defers to it. The
// callback fires exactly once: response, timeout, or disconnect. Failures
// resolve with Success=false; the connection state is left for the caller
// to decide.
func (self *Conn) LoginWithCredentials(username string, password string, callback LoginCallback) {
	self.stateLock.Lock()
	if self.ws == nil {
		self.stateLock.Unlock()
		callback.Result(&LoginResult{Success: false, Error: "Not connected"}, nil)
		return
	}
	if self.login != nil {
		self.stateLock.Unlock()
		callback.Result(&LoginResult{Success: false, Error: "Login already in progress"}, nil)
		return
	}
	login := &pendingLogin{
		callback: callback,
	}
	login.timer = time.AfterFunc(self.settings.LoginTimeout, func() {
		self.completeLogin(&LoginResult{Success: false, Error: "Login timeout"})
	})
	self.login = login
	self.stateLock.Unlock()

	if err := self.send(MessageTypeAuthLogin, &AuthLoginRequest{
		Username: username,
		Password: password,
	}); err != nil {
		self.completeLogin(&LoginResult{Success: false, Error: err.Error()})
	}
}

func (self *Conn) LoginWithCredentialsSync(username string, password string) (*LoginResult, error) {
	callback, c := NewBlockingApiCallback[*LoginResult]()
	self.LoginWithCredentials(username, password, callback)
	r := <-c
	return r.Result, r.Error
}

// completeLogin tears the pending login down exactly once regardless of
// which path fires first.
func (self *Conn) completeLogin(result *LoginResult) {
	self.stateLock.Lock()
	login := self.login
	self.login = nil
	if login == nil {
		self.stateLock.Unlock()
		return
	}
	login.timer.Stop()
	if result.Success {
		self.authenticated = true
		self.identity = result.User
		self.token = result.Token
		self.tokenExpiresAt = result.TokenExpiresAt
	}
	self.stateLock.Unlock()

	if result.Success {
		self.setState(ConnectionStateAuthenticated, "")
	}
	login.callback.Result(result, nil)
}
