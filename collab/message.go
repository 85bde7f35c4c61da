package collab

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"

	"github.com/flowdraw/collab/crdt"
)

// Payload shapes shared with the collaboration host. Field names are
// camelCase on the wire.

// NewRequestId mints a correlation id: a ULID's time-ordered prefix plus
// random suffix makes collisions negligible without coordination.
func NewRequestId() string {
	return ulid.Make().String()
}

// the identity established by the auth handshake
type Identity struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

type Permission string

const (
	PermissionNone   Permission = ""
	PermissionViewer Permission = "viewer"
	PermissionEditor Permission = "editor"
	PermissionOwner  Permission = "owner"
)

type ShareEntry struct {
	UserId     string     `json:"userId"`
	UserName   string     `json:"userName"`
	Permission Permission `json:"permission"`
}

type DocumentInfo struct {
	Id         string `json:"id"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"createdAt"`
	ModifiedAt int64  `json:"modifiedAt"`
	OwnerId    string `json:"ownerId"`
	OwnerName  string `json:"ownerName"`
}

type Document struct {
	Id         string                     `json:"id"`
	Name       string                     `json:"name"`
	Entities   map[string]json.RawMessage `json:"entities,omitempty"`
	Order      []string                   `json:"order,omitempty"`
	Metadata   map[string]json.RawMessage `json:"metadata,omitempty"`
	Shares     []ShareEntry               `json:"shares,omitempty"`
	OwnerId    string                     `json:"ownerId,omitempty"`
	OwnerName  string                     `json:"ownerName,omitempty"`
	CreatedAt  int64                      `json:"createdAt,omitempty"`
	ModifiedAt int64                      `json:"modifiedAt,omitempty"`
}

func (self *Document) Info() *DocumentInfo {
	return &DocumentInfo{
		Id:         self.Id,
		Name:       self.Name,
		CreatedAt:  self.CreatedAt,
		ModifiedAt: self.ModifiedAt,
		OwnerId:    self.OwnerId,
		OwnerName:  self.OwnerName,
	}
}

// document ops channel

type DocListRequest struct {
	RequestId string `json:"requestId"`
}

type DocListResponse struct {
	RequestId string         `json:"requestId"`
	Documents []DocumentInfo `json:"documents"`
}

type DocGetRequest struct {
	RequestId string `json:"requestId"`
	DocId     string `json:"docId"`
}

type DocGetResponse struct {
	RequestId string    `json:"requestId"`
	Document  *Document `json:"document,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type DocSaveRequest struct {
	RequestId string    `json:"requestId"`
	Document  *Document `json:"document"`
}

type DocSaveResponse struct {
	RequestId string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type DocDeleteRequest struct {
	RequestId string `json:"requestId"`
	DocId     string `json:"docId"`
}

type DocDeleteResponse struct {
	RequestId string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type DocShareRequest struct {
	RequestId string       `json:"requestId"`
	DocId     string       `json:"docId"`
	Shares    []ShareEntry `json:"shares"`
}

type DocShareResponse struct {
	RequestId string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type DocTransferRequest struct {
	RequestId    string `json:"requestId"`
	DocId        string `json:"docId"`
	NewOwnerId   string `json:"newOwnerId"`
	NewOwnerName string `json:"newOwnerName"`
}

type DocTransferResponse struct {
	RequestId string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// used to pull the correlation id out of any ops response
type requestIdEnvelope struct {
	RequestId string `json:"requestId"`
}

// document event broadcast

type DocEventType string

const (
	DocEventCreated DocEventType = "created"
	DocEventUpdated DocEventType = "updated"
	DocEventDeleted DocEventType = "deleted"
)

type DocEvent struct {
	EventType DocEventType  `json:"eventType"`
	DocId     string        `json:"docId"`
	Metadata  *DocumentInfo `json:"metadata,omitempty"`
	UserId    string        `json:"userId"`
}

// auth channel
//
// AUTH carries a bare token string as its payload. AUTH_RESPONSE answers
// both the token handshake and a credential login.

type AuthLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Success        bool   `json:"success"`
	UserId         string `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	Role           string `json:"role,omitempty"`
	Token          string `json:"token,omitempty"`
	TokenExpiresAt int64  `json:"tokenExpiresAt,omitempty"`
	Error          string `json:"error,omitempty"`
}

// crdt channel

type JoinDocRequest struct {
	DocId string `json:"docId"`
}

type SyncStep string

const (
	// a request for the peer's missing ops, carrying our state vector
	SyncStepOne SyncStep = "step1"
	// the terminal handshake step, carrying the requested ops
	SyncStepTwo SyncStep = "step2"
	// an incremental broadcast
	SyncStepUpdate SyncStep = "update"
)

type SyncPayload struct {
	Step        SyncStep         `json:"step"`
	DocId       string           `json:"docId"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Ops         []crdt.Op        `json:"ops,omitempty"`
}

// awareness channel

type PresenceUser struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type AwarenessState struct {
	User      *PresenceUser `json:"user,omitempty"`
	Cursor    *Cursor       `json:"cursor,omitempty"`
	Selection []string      `json:"selection,omitempty"`
}

// one peer's entry in an awareness diff. A nil state removes the peer.
type AwarenessEntry struct {
	ClientId uint64          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    *AwarenessState `json:"state"`
}

// carries only the changed peers, never the whole table
type AwarenessUpdate struct {
	Entries []AwarenessEntry `json:"entries"`
}

// error channel

type ErrorPayload struct {
	Error string `json:"error"`
}
