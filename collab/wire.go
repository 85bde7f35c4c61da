package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire format shared with the collaboration host: byte[0] is the message
// type, byte[1:] is the JSON-encoded payload. This is the only layer that
// must stay byte-for-byte compatible with the host implementation; any
// change here is a protocol version break.

type MessageType byte

const (
	MessageTypeSync         MessageType = 0
	MessageTypeAwareness    MessageType = 1
	MessageTypeAuth         MessageType = 2
	MessageTypeDocList      MessageType = 3
	MessageTypeDocGet       MessageType = 4
	MessageTypeDocSave      MessageType = 5
	MessageTypeDocDelete    MessageType = 6
	MessageTypeDocEvent     MessageType = 7
	MessageTypeError        MessageType = 8
	MessageTypeAuthResponse MessageType = 9
	MessageTypeJoinDoc      MessageType = 10
	MessageTypeAuthLogin    MessageType = 11
	MessageTypeDocShare     MessageType = 12
	MessageTypeDocTransfer  MessageType = 13
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeSync:
		return "sync"
	case MessageTypeAwareness:
		return "awareness"
	case MessageTypeAuth:
		return "auth"
	case MessageTypeDocList:
		return "docList"
	case MessageTypeDocGet:
		return "docGet"
	case MessageTypeDocSave:
		return "docSave"
	case MessageTypeDocDelete:
		return "docDelete"
	case MessageTypeDocEvent:
		return "docEvent"
	case MessageTypeError:
		return "error"
	case MessageTypeAuthResponse:
		return "authResponse"
	case MessageTypeJoinDoc:
		return "joinDoc"
	case MessageTypeAuthLogin:
		return "authLogin"
	case MessageTypeDocShare:
		return "docShare"
	case MessageTypeDocTransfer:
		return "docTransfer"
	default:
		return fmt.Sprintf("unknown(%d)", byte(self))
	}
}

// logical channel, used for routing and telemetry only
type Channel string

const (
	ChannelCrdt     Channel = "crdt"
	ChannelAuth     Channel = "auth"
	ChannelDocument Channel = "document"
)

// ChannelOf is total: unrecognized types classify as document.
func ChannelOf(messageType MessageType) Channel {
	switch messageType {
	case MessageTypeSync, MessageTypeAwareness, MessageTypeJoinDoc:
		return ChannelCrdt
	case MessageTypeAuth, MessageTypeAuthResponse, MessageTypeAuthLogin:
		return ChannelAuth
	default:
		return ChannelDocument
	}
}

var ErrMessageTooShort = errors.New("message too short")

func EncodeMessage(messageType MessageType, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, 1+len(payloadBytes))
	b = append(b, byte(messageType))
	b = append(b, payloadBytes...)
	return b, nil
}

func RequireEncodeMessage(messageType MessageType, payload any) []byte {
	b, err := EncodeMessage(messageType, payload)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeMessageType(b []byte) (MessageType, bool) {
	if len(b) == 0 {
		return 0, false
	}
	return MessageType(b[0]), true
}

func DecodeMessagePayload(b []byte, out any) error {
	if len(b) < 2 {
		return ErrMessageTooShort
	}
	if err := json.Unmarshal(b[1:], out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// host error codes, matched by prefix
const (
	ErrCodeAccessDenied     = "ERR_ACCESS_DENIED"
	ErrCodeDocNotFound      = "ERR_DOC_NOT_FOUND"
	ErrCodeNotAuthenticated = "ERR_NOT_AUTHENTICATED"
	ErrCodeDeleteForbidden  = "ERR_DELETE_FORBIDDEN"
	ErrCodeEditForbidden    = "ERR_EDIT_FORBIDDEN"
	ErrCodeViewForbidden    = "ERR_VIEW_FORBIDDEN"
)

var permissionErrCodes = []string{
	ErrCodeAccessDenied,
	ErrCodeNotAuthenticated,
	ErrCodeDeleteForbidden,
	ErrCodeEditForbidden,
	ErrCodeViewForbidden,
}

// IsPermissionError reports whether a host error message denotes a
// permission failure. Not-found is deliberately excluded.
func IsPermissionError(message string) bool {
	for _, code := range permissionErrCodes {
		if strings.HasPrefix(message, code) {
			return true
		}
	}
	return false
}
