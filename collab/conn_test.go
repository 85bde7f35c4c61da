package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/flowdraw/collab/crdt"
)

// stubHost runs a minimal in-process peer for driving the connection
// manager. The handler sees every inbound message and replies through
// send.
type stubHost struct {
	server *httptest.Server
}

type stubSend func(messageType MessageType, payload any)

func newStubHost(t *testing.T, handler func(send stubSend, messageType MessageType, message []byte)) *stubHost {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var writeLock sync.Mutex
		send := func(messageType MessageType, payload any) {
			writeLock.Lock()
			defer writeLock.Unlock()
			ws.WriteMessage(websocket.BinaryMessage, RequireEncodeMessage(messageType, payload))
		}

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			messageType, ok := DecodeMessageType(message)
			if !ok {
				continue
			}
			handler(send, messageType, message)
		}
	}))
	return &stubHost{server: server}
}

func (self *stubHost) url() string {
	return strings.Replace(self.server.URL, "http", "ws", 1) + "/sync"
}

func (self *stubHost) close() {
	self.server.Close()
}

func testConnSettings() *ConnSettings {
	settings := DefaultConnSettings()
	settings.AutoReconnect = false
	settings.RequestTimeout = 200 * time.Millisecond
	settings.LoginTimeout = 200 * time.Millisecond
	return settings
}

func TestConnStateOrderAndInitialSync(t *testing.T) {
	hostDoc := crdt.NewDoc(crdt.NewPeerId())
	hostDoc.SetEntity("shape-1", json.RawMessage(`{"type":"rect"}`))

	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {
		switch messageType {
		case MessageTypeAuth:
			var token string
			DecodeMessagePayload(message, &token)
			send(MessageTypeAuthResponse, &AuthResponse{
				Success:  token == "tok",
				UserId:   "u1",
				Username: "admin",
				Role:     "admin",
			})
		case MessageTypeSync:
			var payload SyncPayload
			DecodeMessagePayload(message, &payload)
			if payload.Step == SyncStepOne {
				send(MessageTypeSync, &SyncPayload{
					Step: SyncStepTwo,
					Ops:  hostDoc.OpsSince(payload.StateVector),
				})
			}
		}
	})
	defer host.close()

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", &ConnAuth{Token: "tok"}, doc, awareness, testConnSettings())
	defer conn.Destroy()

	var stateLock sync.Mutex
	states := []ConnectionState{}
	authenticated := make(chan struct{}, 1)
	unsubState := conn.AddStateChangeCallback(func(state ConnectionState, errorMessage string, reconnectAttempts int) {
		stateLock.Lock()
		states = append(states, state)
		stateLock.Unlock()
		if state == ConnectionStateAuthenticated {
			authenticated <- struct{}{}
		}
	})
	defer unsubState()

	syncedCount := 0
	synced := make(chan struct{}, 8)
	unsubSynced := conn.AddSyncedCallback(func() {
		syncedCount += 1
		synced <- struct{}{}
	})
	defer unsubSynced()

	conn.Connect()

	select {
	case <-authenticated:
	case <-time.After(5 * time.Second):
		t.Fatal("authenticated state never reached")
	}
	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("synced never fired")
	}

	stateLock.Lock()
	assert.Equal(t, states[0], ConnectionStateConnecting)
	assert.Equal(t, states[1], ConnectionStateConnected)
	assert.Equal(t, states[2], ConnectionStateAuthenticating)
	assert.Equal(t, states[3], ConnectionStateAuthenticated)
	stateLock.Unlock()

	assert.Equal(t, conn.Synced(), true)
	assert.Equal(t, syncedCount, 1)
	identity := conn.Identity()
	assert.Equal(t, identity.Id, "u1")
	assert.Equal(t, identity.Role, "admin")

	// the handshake delivered the host's state
	value, ok := doc.Entity("shape-1")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `{"type":"rect"}`)
}

func TestConnRequestTimeout(t *testing.T) {
	// a host that swallows document ops
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {})
	defer host.close()

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", nil, doc, awareness, testConnSettings())
	defer conn.Destroy()

	conn.Connect()
	awaitState(t, conn, ConnectionStateConnected)

	_, err := conn.ListDocumentsSync()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "Request timeout")
	// the timed-out entry left no residue
	assert.Equal(t, conn.PendingRequestCount(), 0)
}

func TestConnDisconnectFailsPending(t *testing.T) {
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {})
	defer host.close()

	settings := testConnSettings()
	settings.RequestTimeout = 10 * time.Second

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", nil, doc, awareness, settings)
	defer conn.Destroy()

	conn.Connect()
	awaitState(t, conn, ConnectionStateConnected)

	n := 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		conn.ListDocuments(NewApiCallback(func(result *DocListResponse, err error) {
			errs <- err
		}))
	}
	assert.Equal(t, conn.PendingRequestCount(), n)

	conn.Disconnect()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.NotEqual(t, err, nil)
			assert.Equal(t, err.Error(), "Connection closed")
		case <-time.After(5 * time.Second):
			t.Fatal("pending request never completed")
		}
	}
	assert.Equal(t, conn.PendingRequestCount(), 0)
}

func TestConnNotConnected(t *testing.T) {
	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), "ws://localhost:1/sync", "d1", nil, doc, awareness, testConnSettings())
	defer conn.Destroy()

	_, err := conn.ListDocumentsSync()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "Not connected")

	result, err := conn.LoginWithCredentialsSync("admin", "pw")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Error, "Not connected")
}

func TestConnReconnectStopsAtMax(t *testing.T) {
	// a host that is already gone
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {})
	url := host.url()
	host.close()

	settings := testConnSettings()
	settings.AutoReconnect = true
	settings.ReconnectDelay = 10 * time.Millisecond
	settings.MaxReconnectAttempts = 3

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), url, "d1", nil, doc, awareness, settings)
	defer conn.Destroy()

	failed := make(chan string, 1)
	unsub := conn.AddStateChangeCallback(func(state ConnectionState, errorMessage string, reconnectAttempts int) {
		if state == ConnectionStateError {
			failed <- errorMessage
		}
	})
	defer unsub()

	conn.Connect()

	select {
	case errorMessage := <-failed:
		assert.Equal(t, errorMessage, "Max reconnect attempts reached")
	case <-time.After(10 * time.Second):
		t.Fatal("max reconnect error never reached")
	}
	assert.Equal(t, conn.ReconnectAttempts(), 3)
}

func TestConnLiveUpdateBeforeBackfill(t *testing.T) {
	hostDoc := crdt.NewDoc(crdt.NewPeerId())
	hostDoc.SetEntity("shape-1", json.RawMessage(`1`))
	hostDoc.SetEntity("shape-2", json.RawMessage(`2`))
	hostDoc.SetEntity("shape-3", json.RawMessage(`3`))
	ops := hostDoc.OpsSince(crdt.StateVector{})

	// a relay of the newest op lands before the step2 backfill
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {
		if messageType != MessageTypeSync {
			return
		}
		var payload SyncPayload
		DecodeMessagePayload(message, &payload)
		if payload.Step == SyncStepOne {
			send(MessageTypeSync, &SyncPayload{
				Step: SyncStepUpdate,
				Ops:  ops[len(ops)-1:],
			})
			send(MessageTypeSync, &SyncPayload{
				Step: SyncStepTwo,
				Ops:  ops,
			})
		}
	})
	defer host.close()

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", nil, doc, awareness, testConnSettings())
	defer conn.Destroy()

	synced := make(chan struct{}, 1)
	unsub := conn.AddSyncedCallback(func() {
		synced <- struct{}{}
	})
	defer unsub()

	conn.Connect()

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("synced never fired")
	}

	// nothing from the early relay was lost
	assert.Equal(t, doc.Entities(), hostDoc.Entities())
}

func TestConnReconnectBackoffDoubles(t *testing.T) {
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {})
	url := host.url()
	host.close()

	settings := testConnSettings()
	settings.AutoReconnect = true
	settings.ReconnectDelay = 25 * time.Millisecond
	settings.MaxReconnectAttempts = 3

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), url, "d1", nil, doc, awareness, settings)
	defer conn.Destroy()

	var timesLock sync.Mutex
	failures := []time.Time{}
	failed := make(chan struct{}, 1)
	unsub := conn.AddStateChangeCallback(func(state ConnectionState, errorMessage string, reconnectAttempts int) {
		switch state {
		case ConnectionStateDisconnected:
			timesLock.Lock()
			failures = append(failures, time.Now())
			timesLock.Unlock()
		case ConnectionStateError:
			failed <- struct{}{}
		}
	})
	defer unsub()

	conn.Connect()

	select {
	case <-failed:
	case <-time.After(10 * time.Second):
		t.Fatal("max reconnect error never reached")
	}

	// one failure per dial: the initial attempt plus the three retries,
	// each scheduled no earlier than delay * 2^(attempt-1)
	timesLock.Lock()
	defer timesLock.Unlock()
	assert.Equal(t, len(failures), 4)
	for i := 1; i < len(failures); i += 1 {
		gap := failures[i].Sub(failures[i-1])
		floor := settings.ReconnectDelay * (1 << (i - 1))
		if gap < floor {
			t.Fatalf("retry %d fired after %s, before the %s backoff floor", i, gap, floor)
		}
	}
}

func TestConnDisconnectNotifiesObservers(t *testing.T) {
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {})
	defer host.close()

	settings := testConnSettings()
	settings.AutoReconnect = true
	settings.ReconnectDelay = 10 * time.Millisecond

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", nil, doc, awareness, settings)
	defer conn.Destroy()

	conn.Connect()
	awaitState(t, conn, ConnectionStateConnected)

	disconnected := make(chan struct{}, 1)
	unsub := conn.AddStateChangeCallback(func(state ConnectionState, errorMessage string, reconnectAttempts int) {
		if state == ConnectionStateDisconnected {
			disconnected <- struct{}{}
		}
	})
	defer unsub()

	conn.Disconnect()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnected state change never observed")
	}

	// intentional close: no reconnect gets scheduled
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, conn.State(), ConnectionStateDisconnected)
	assert.Equal(t, conn.ReconnectAttempts(), 0)
}

func TestConnDomainFailureSurfaced(t *testing.T) {
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {
		if messageType == MessageTypeDocDelete {
			var request DocDeleteRequest
			DecodeMessagePayload(message, &request)
			send(MessageTypeDocDelete, &DocDeleteResponse{
				RequestId: request.RequestId,
				Success:   false,
				Error:     "ERR_DELETE_FORBIDDEN: Not authorized",
			})
		}
	})
	defer host.close()

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", nil, doc, awareness, testConnSettings())
	defer conn.Destroy()

	conn.Connect()
	awaitState(t, conn, ConnectionStateConnected)

	// the transport round trip succeeded, the operation did not
	err := conn.DeleteDocumentSync("d1")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "ERR_DELETE_FORBIDDEN: Not authorized")
	assert.Equal(t, IsPermissionError(err.Error()), true)
}

func TestConnLoginWithCredentials(t *testing.T) {
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {
		if messageType == MessageTypeAuthLogin {
			var request AuthLoginRequest
			DecodeMessagePayload(message, &request)
			if request.Username == "admin" && request.Password == "pw" {
				send(MessageTypeAuthResponse, &AuthResponse{
					Success:        true,
					UserId:         "u1",
					Username:       "admin",
					Role:           "admin",
					Token:          "tok",
					TokenExpiresAt: 1700000000000,
				})
			} else {
				send(MessageTypeAuthResponse, &AuthResponse{
					Success: false,
					Error:   "Invalid username or password",
				})
			}
		}
	})
	defer host.close()

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", nil, doc, awareness, testConnSettings())
	defer conn.Destroy()

	conn.Connect()
	awaitState(t, conn, ConnectionStateConnected)

	result, err := conn.LoginWithCredentialsSync("admin", "nope")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Error, "Invalid username or password")
	// a failed login does not poison the connection state
	assert.NotEqual(t, conn.State(), ConnectionStateError)

	result, err = conn.LoginWithCredentialsSync("admin", "pw")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Token, "tok")
	assert.Equal(t, result.TokenExpiresAt, int64(1700000000000))
	assert.Equal(t, result.User.Id, "u1")
	assert.Equal(t, result.User.Username, "admin")
	assert.Equal(t, result.User.Role, "admin")

	awaitState(t, conn, ConnectionStateAuthenticated)
	token, tokenExpiresAt := conn.Token()
	assert.Equal(t, token, "tok")
	assert.Equal(t, tokenExpiresAt, int64(1700000000000))
}

func TestConnLoginTimeout(t *testing.T) {
	host := newStubHost(t, func(send stubSend, messageType MessageType, message []byte) {})
	defer host.close()

	doc := NewDocStore()
	awareness := NewAwareness(doc.ClientId())
	conn := NewConn(context.Background(), host.url(), "d1", nil, doc, awareness, testConnSettings())
	defer conn.Destroy()

	conn.Connect()
	awaitState(t, conn, ConnectionStateConnected)

	result, err := conn.LoginWithCredentialsSync("admin", "pw")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Error, "Login timeout")
}

func awaitState(t *testing.T, conn *Conn, state ConnectionState) {
	timeout := time.After(5 * time.Second)
	for {
		if conn.State() == state {
			return
		}
		select {
		case <-timeout:
			t.Fatalf("state %s never reached (at %s)", state, conn.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
