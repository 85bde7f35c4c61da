package host

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdraw/collab/collab"
)

type testRig struct {
	host   *Host
	server *httptest.Server
	url    string
}

func newTestRig(t *testing.T) *testRig {
	auth := NewAuthenticator([]byte("test-secret"), time.Hour)
	auth.AddUser("u1", "ada", "pw1", "")
	auth.AddUser("u2", "grace", "pw2", "")
	auth.AddUser("u3", "alan", "pw3", "")

	h := NewHost(context.Background(), NewMemoryStore(), auth, DefaultHostSettings())
	server := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		h.Close()
		server.Close()
	})
	return &testRig{
		host:   h,
		server: server,
		url:    strings.Replace(server.URL, "http", "ws", 1) + "/sync",
	}
}

func testClientSettings() *collab.ConnSettings {
	settings := collab.DefaultConnSettings()
	settings.AutoReconnect = false
	return settings
}

// dialAs opens an authenticated connection joined to the doc.
func dialAs(t *testing.T, rig *testRig, username string, password string, docId string) (*collab.Conn, *collab.DocStore, *collab.Awareness) {
	doc := collab.NewDocStore()
	awareness := collab.NewAwareness(doc.ClientId())
	conn := collab.NewConn(context.Background(), rig.url, docId, &collab.ConnAuth{
		Username: username,
		Password: password,
	}, doc, awareness, testClientSettings())
	t.Cleanup(conn.Destroy)

	conn.Connect()
	awaitConnState(t, conn, collab.ConnectionStateAuthenticated)
	return conn, doc, awareness
}

func awaitConnState(t *testing.T, conn *collab.Conn, state collab.ConnectionState) {
	deadline := time.Now().Add(5 * time.Second)
	for conn.State() != state {
		if time.Now().After(deadline) {
			t.Fatalf("state %s never reached (at %s)", state, conn.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func eventually(t *testing.T, check func() bool, message string) {
	deadline := time.Now().Add(5 * time.Second)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatal(message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostDocOpsLifecycle(t *testing.T) {
	rig := newTestRig(t)
	conn, _, _ := dialAs(t, rig, "ada", "pw1", "lobby")

	identity := conn.Identity()
	require.NotNil(t, identity)
	assert.Equal(t, "u1", identity.Id)
	token, _ := conn.Token()
	assert.NotEmpty(t, token)

	document := &collab.Document{
		Name: "first diagram",
		Entities: map[string]json.RawMessage{
			"shape-1": json.RawMessage(`{"type":"rect"}`),
		},
		Order: []string{"shape-1"},
	}
	require.NoError(t, conn.SaveDocumentSync(document))

	infos, err := conn.ListDocumentsSync()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	docId := infos[0].Id
	assert.NotEmpty(t, docId)
	assert.Equal(t, "first diagram", infos[0].Name)
	// the host stamps ownership from the session identity
	assert.Equal(t, "u1", infos[0].OwnerId)
	assert.Equal(t, "ada", infos[0].OwnerName)

	out, err := conn.GetDocumentSync(docId)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"rect"}`, string(out.Entities["shape-1"]))

	_, err = conn.GetDocumentSync("missing")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), collab.ErrCodeDocNotFound))

	require.NoError(t, conn.DeleteDocumentSync(docId))
	infos, err = conn.ListDocumentsSync()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestHostPermissionEnforcement(t *testing.T) {
	rig := newTestRig(t)
	ada, _, _ := dialAs(t, rig, "ada", "pw1", "lobby")
	grace, _, _ := dialAs(t, rig, "grace", "pw2", "lobby")
	alan, _, _ := dialAs(t, rig, "alan", "pw3", "lobby")

	require.NoError(t, ada.SaveDocumentSync(&collab.Document{Id: "d1", Name: "private"}))

	// not shared with grace at all
	_, err := grace.GetDocumentSync("d1")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), collab.ErrCodeViewForbidden))
	assert.True(t, collab.IsPermissionError(err.Error()))

	err = grace.DeleteDocumentSync("d1")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), collab.ErrCodeDeleteForbidden))

	err = grace.UpdateSharesSync("d1", nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), collab.ErrCodeAccessDenied))

	// unlisted documents stay unlisted
	infos, err := grace.ListDocumentsSync()
	require.NoError(t, err)
	assert.Empty(t, infos)

	// share viewer to grace, editor to alan
	require.NoError(t, ada.UpdateSharesSync("d1", []collab.ShareEntry{
		{UserId: "u2", UserName: "grace", Permission: collab.PermissionViewer},
		{UserId: "u3", UserName: "alan", Permission: collab.PermissionEditor},
	}))

	out, err := grace.GetDocumentSync("d1")
	require.NoError(t, err)
	assert.Equal(t, "private", out.Name)

	// a viewer cannot write
	err = grace.SaveDocumentSync(&collab.Document{Id: "d1", Name: "defaced"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), collab.ErrCodeEditForbidden))

	// an editor can
	require.NoError(t, alan.SaveDocumentSync(&collab.Document{Id: "d1", Name: "edited"}))
	out, err = ada.GetDocumentSync("d1")
	require.NoError(t, err)
	assert.Equal(t, "edited", out.Name)
	// ownership survived the edit
	assert.Equal(t, "u1", out.OwnerId)

	// transfer to grace, after which ada is just another user
	require.NoError(t, ada.TransferOwnershipSync("d1", "u2", "grace"))
	err = ada.DeleteDocumentSync("d1")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), collab.ErrCodeDeleteForbidden))
	require.NoError(t, grace.DeleteDocumentSync("d1"))
}

func TestHostAuthFailures(t *testing.T) {
	rig := newTestRig(t)

	doc := collab.NewDocStore()
	awareness := collab.NewAwareness(doc.ClientId())
	conn := collab.NewConn(context.Background(), rig.url, "lobby", nil, doc, awareness, testClientSettings())
	t.Cleanup(conn.Destroy)
	conn.Connect()
	awaitConnState(t, conn, collab.ConnectionStateConnected)

	result, err := conn.LoginWithCredentialsSync("ada", "wrong")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid username or password", result.Error)

	// unauthenticated sessions cannot use document ops
	err = conn.SaveDocumentSync(&collab.Document{Id: "d1", Name: "x"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), collab.ErrCodeNotAuthenticated))
}

func TestHostTokenReconnect(t *testing.T) {
	rig := newTestRig(t)
	first, _, _ := dialAs(t, rig, "ada", "pw1", "lobby")
	token, _ := first.Token()
	require.NotEmpty(t, token)
	first.Destroy()

	// a fresh connection authenticates with the issued token alone
	doc := collab.NewDocStore()
	awareness := collab.NewAwareness(doc.ClientId())
	conn := collab.NewConn(context.Background(), rig.url, "lobby", &collab.ConnAuth{
		Token: token,
	}, doc, awareness, testClientSettings())
	t.Cleanup(conn.Destroy)
	conn.Connect()
	awaitConnState(t, conn, collab.ConnectionStateAuthenticated)

	identity := conn.Identity()
	require.NotNil(t, identity)
	assert.Equal(t, "u1", identity.Id)
}

func TestHostRoomSyncAndAwareness(t *testing.T) {
	rig := newTestRig(t)
	_, adaDoc, adaAwareness := dialAs(t, rig, "ada", "pw1", "d1")
	_, graceDoc, graceAwareness := dialAs(t, rig, "grace", "pw2", "d1")

	// an edit on one peer reaches the other through the room
	adaDoc.SetEntity("shape-1", json.RawMessage(`{"type":"rect"}`))
	eventually(t, func() bool {
		_, ok := graceDoc.Entity("shape-1")
		return ok
	}, "edit never relayed")

	graceDoc.SetOrder([]string{"shape-1"})
	eventually(t, func() bool {
		order := adaDoc.Order()
		return len(order) == 1 && order[0] == "shape-1"
	}, "order never relayed")

	// presence rides the same connection
	adaAwareness.SetLocalUser(&collab.PresenceUser{Id: "u1", Name: "ada", Color: "#f00"})
	eventually(t, func() bool {
		for _, state := range graceAwareness.RemoteUsers() {
			if state.User != nil && state.User.Name == "ada" {
				return true
			}
		}
		return false
	}, "presence never relayed")
}

func TestHostLateJoinerCatchesUp(t *testing.T) {
	rig := newTestRig(t)
	_, adaDoc, _ := dialAs(t, rig, "ada", "pw1", "d1")

	adaDoc.SetEntity("shape-1", json.RawMessage(`{"type":"rect"}`))
	adaDoc.SetEntity("shape-2", json.RawMessage(`{"type":"line"}`))

	// give the room a moment to absorb the updates
	eventually(t, func() bool {
		rig.host.stateLock.Lock()
		room, ok := rig.host.rooms["d1"]
		rig.host.stateLock.Unlock()
		if !ok {
			return false
		}
		return len(room.opsSince(nil)) >= 2
	}, "room never absorbed the edits")

	// the second peer joins after the fact and syncs from the room replica
	_, graceDoc, _ := dialAs(t, rig, "grace", "pw2", "d1")

	eventually(t, func() bool {
		_, ok1 := graceDoc.Entity("shape-1")
		_, ok2 := graceDoc.Entity("shape-2")
		return ok1 && ok2
	}, "late joiner never caught up")
}

func TestHostDocEventBroadcast(t *testing.T) {
	rig := newTestRig(t)
	ada, _, _ := dialAs(t, rig, "ada", "pw1", "lobby")
	grace, _, _ := dialAs(t, rig, "grace", "pw2", "lobby")

	events := make(chan *collab.DocEvent, 16)
	unsub := grace.AddDocEventCallback(func(event *collab.DocEvent) {
		events <- event
	})
	defer unsub()

	require.NoError(t, ada.SaveDocumentSync(&collab.Document{Id: "d1", Name: "announced"}))

	select {
	case event := <-events:
		assert.Equal(t, collab.DocEventCreated, event.EventType)
		assert.Equal(t, "d1", event.DocId)
		assert.Equal(t, "u1", event.UserId)
		require.NotNil(t, event.Metadata)
		assert.Equal(t, "announced", event.Metadata.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("doc event never broadcast")
	}

	require.NoError(t, ada.DeleteDocumentSync("d1"))
	select {
	case event := <-events:
		assert.Equal(t, collab.DocEventDeleted, event.EventType)
		assert.Equal(t, "d1", event.DocId)
	case <-time.After(5 * time.Second):
		t.Fatal("delete event never broadcast")
	}
}
