// Package protocol defines the JIM wire format: one UTF-8 JSON object per
// frame, uppercase field names, exchanged as a single stream write/read
// (see internal/codec for the transport side of that contract).
//
// The wire shape (Frame) is never probed by string key elsewhere in this
// module. Everything past the codec boundary works with the tagged-union
// Message values produced by Decode and consumed by Encode.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Action identifies a client → server request.
type Action string

const (
	ActionPresence      Action = "presence"
	ActionMessage       Action = "msg"
	ActionExit          Action = "exit"
	ActionGetContacts   Action = "get_contacts"
	ActionAddContact    Action = "add_contact"
	ActionRemoveContact Action = "remove_contact"
	ActionUsersRequest  Action = "users_request"
	ActionPublicKeyReq  Action = "pubkey_need"
)

// Response is a server → client reply code.
type Response int

const (
	RespOK        Response = 200
	RespList      Response = 202
	RespReset     Response = 205
	RespBadReq    Response = 400
	RespChallenge Response = 511
)

// PresenceUser is the USER sub-object carried only by a PRESENCE frame.
type PresenceUser struct {
	AccountName string `json:"ACCOUNT_NAME"`
	PublicKey   string `json:"PUBLIC_KEY,omitempty"`
}

// Frame is the literal wire shape: a single JSON object carrying either an
// ACTION (client → server) or a RESPONSE (server → client), plus whichever
// of the optional fields that action/response requires. Field names match
// §6 exactly; this struct is the only place that sees them.
//
// USER is polymorphic on the wire: in a PRESENCE frame it is the
// {ACCOUNT_NAME, PUBLIC_KEY} object, everywhere else it is the bare
// account-name string identifying the frame's owner. It is decoded lazily
// via json.RawMessage so each action's decoder can pick the right shape.
type Frame struct {
	Action      Action          `json:"ACTION,omitempty"`
	Response    Response        `json:"RESPONSE,omitempty"`
	Time        string          `json:"TIME,omitempty"`
	User        json.RawMessage `json:"USER,omitempty"`
	AccountName string          `json:"ACCOUNT_NAME,omitempty"`
	Sender      string          `json:"SENDER,omitempty"`
	Destination string          `json:"DESTINATION,omitempty"`
	MessageText string          `json:"MESSAGE_TEXT,omitempty"`
	Error       string          `json:"ERROR,omitempty"`
	Data        string          `json:"DATA,omitempty"`
	ListInfo    []string        `json:"LIST_INFO,omitempty"`
	PublicKey   string          `json:"PUBLIC_KEY,omitempty"`
}

// Message is the tagged union every dispatcher and transport consumes.
// Every Message value is exactly one of the concrete types below.
type Message interface {
	isMessage()
}

type Presence struct {
	Time        string
	AccountName string
	PublicKey   string
}

type Challenge struct {
	NonceHex string
}

type ChallengeResponse struct {
	ProofBase64 string
}

type Ok struct{}

type ListInfo struct {
	Names []string
}

type Reset struct{}

type ErrorReply struct {
	Reason string
}

type PublicKeyData struct {
	Key string
}

type MessageFrame struct {
	Sender      string
	Destination string
	Time        string
	Text        string
}

// GetContacts, AddContact, RemoveContact, UsersRequest and Exit all carry
// the claimed origin account name (§4.5: USER for owner-scoped actions,
// ACCOUNT_NAME for exit/roster queries). Owner is that claimed name; Target
// is the second account named by ADD_CONTACT/REMOVE_CONTACT. A
// PUBLIC_KEY_REQUEST frame carries only the account being looked up, so
// Decode sets both Owner and Target of PublicKeyRequest to that name and
// Encode writes Target.
type GetContacts struct {
	Owner string
}

type AddContact struct {
	Owner  string
	Target string
}

type RemoveContact struct {
	Owner  string
	Target string
}

type UsersRequest struct {
	Owner string
}

type PublicKeyRequest struct {
	Owner  string
	Target string
}

type Exit struct {
	Owner string
}

func (Presence) isMessage()          {}
func (Challenge) isMessage()         {}
func (ChallengeResponse) isMessage() {}
func (Ok) isMessage()                {}
func (ListInfo) isMessage()          {}
func (Reset) isMessage()             {}
func (ErrorReply) isMessage()        {}
func (PublicKeyData) isMessage()     {}
func (MessageFrame) isMessage()      {}
func (GetContacts) isMessage()       {}
func (AddContact) isMessage()        {}
func (RemoveContact) isMessage()     {}
func (UsersRequest) isMessage()      {}
func (PublicKeyRequest) isMessage()  {}
func (Exit) isMessage()              {}

// Decode parses a raw wire Frame into its tagged-union Message. Frames carry
// either ACTION or RESPONSE, never both; Decode uses whichever is set to
// pick the concrete type, then validates the fields that action/response
// requires are present.
func Decode(raw []byte) (Message, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if f.Action != "" {
		return decodeAction(&f)
	}
	if f.Response != 0 {
		return decodeResponse(&f)
	}
	return nil, fmt.Errorf("%w: frame carries neither ACTION nor RESPONSE", ErrMalformedFrame)
}

// userAsString reads Frame.USER as the bare account-name string shape used
// by every action except PRESENCE.
func userAsString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: USER is not a plain account name: %v", ErrProtocolViolation, err)
	}
	return s, nil
}

func decodeAction(f *Frame) (Message, error) {
	switch f.Action {
	case ActionPresence:
		var u PresenceUser
		if len(f.User) == 0 {
			return nil, fmt.Errorf("%w: presence requires USER.ACCOUNT_NAME", ErrProtocolViolation)
		}
		if err := json.Unmarshal(f.User, &u); err != nil || u.AccountName == "" {
			return nil, fmt.Errorf("%w: presence requires USER.ACCOUNT_NAME", ErrProtocolViolation)
		}
		return Presence{Time: f.Time, AccountName: u.AccountName, PublicKey: u.PublicKey}, nil

	case ActionMessage:
		if f.Sender == "" || f.Destination == "" {
			return nil, fmt.Errorf("%w: msg requires SENDER and DESTINATION", ErrProtocolViolation)
		}
		return MessageFrame{Sender: f.Sender, Destination: f.Destination, Time: f.Time, Text: f.MessageText}, nil

	case ActionExit:
		if f.AccountName == "" {
			return nil, fmt.Errorf("%w: exit requires ACCOUNT_NAME", ErrProtocolViolation)
		}
		return Exit{Owner: f.AccountName}, nil

	case ActionGetContacts:
		owner, err := userAsString(f.User)
		if err != nil {
			return nil, err
		}
		if owner == "" {
			return nil, fmt.Errorf("%w: get_contacts requires USER", ErrProtocolViolation)
		}
		return GetContacts{Owner: owner}, nil

	case ActionAddContact:
		owner, err := userAsString(f.User)
		if err != nil {
			return nil, err
		}
		if owner == "" || f.AccountName == "" {
			return nil, fmt.Errorf("%w: add_contact requires USER and ACCOUNT_NAME", ErrProtocolViolation)
		}
		return AddContact{Owner: owner, Target: f.AccountName}, nil

	case ActionRemoveContact:
		owner, err := userAsString(f.User)
		if err != nil {
			return nil, err
		}
		if owner == "" || f.AccountName == "" {
			return nil, fmt.Errorf("%w: remove_contact requires USER and ACCOUNT_NAME", ErrProtocolViolation)
		}
		return RemoveContact{Owner: owner, Target: f.AccountName}, nil

	case ActionUsersRequest:
		if f.AccountName == "" {
			return nil, fmt.Errorf("%w: users_request requires ACCOUNT_NAME", ErrProtocolViolation)
		}
		return UsersRequest{Owner: f.AccountName}, nil

	case ActionPublicKeyReq:
		if f.AccountName == "" {
			return nil, fmt.Errorf("%w: pubkey_need requires ACCOUNT_NAME", ErrProtocolViolation)
		}
		return PublicKeyRequest{Owner: f.AccountName, Target: f.AccountName}, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrProtocolViolation, f.Action)
	}
}

func decodeResponse(f *Frame) (Message, error) {
	switch f.Response {
	case RespOK:
		return Ok{}, nil
	case RespList:
		return ListInfo{Names: f.ListInfo}, nil
	case RespReset:
		return Reset{}, nil
	case RespBadReq:
		return ErrorReply{Reason: f.Error}, nil
	case RespChallenge:
		if f.Data == "" {
			return nil, fmt.Errorf("%w: 511 frame carries no DATA", ErrProtocolViolation)
		}
		// The 511 code is overloaded: the server's challenge carries a hex
		// nonce, the client's reply carries a base64 proof, and a
		// public-key lookup reply carries the key text. A caller that
		// knows which one it expects should use DecodeRaw511 instead and
		// interpret DATA itself; Decode's default guess is the nonce
		// shape since that is the first 511 frame either side ever sees.
		return Challenge{NonceHex: f.Data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown response code %d", ErrProtocolViolation, f.Response)
	}
}

// DecodeRaw511 extracts the DATA field from a raw 511 frame without
// committing to one of Challenge/ChallengeResponse/PublicKeyData, since all
// three share the wire shape {RESPONSE:511, DATA:<string>} and are
// distinguished only by protocol state, not by anything in the frame.
func DecodeRaw511(raw []byte) (string, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Response != RespChallenge {
		return "", fmt.Errorf("%w: expected RESPONSE:511, got %d", ErrProtocolViolation, f.Response)
	}
	return f.Data, nil
}

// Encode renders a Message back into wire bytes (no trailing delimiter;
// internal/codec owns framing on the write side).
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Presence:
		u, err := json.Marshal(PresenceUser{AccountName: v.AccountName, PublicKey: v.PublicKey})
		if err != nil {
			return nil, err
		}
		return json.Marshal(Frame{Action: ActionPresence, Time: v.Time, User: u})
	case Challenge:
		return json.Marshal(Frame{Response: RespChallenge, Data: v.NonceHex})
	case ChallengeResponse:
		return json.Marshal(Frame{Response: RespChallenge, Data: v.ProofBase64})
	case Ok:
		return json.Marshal(Frame{Response: RespOK})
	case ListInfo:
		return json.Marshal(Frame{Response: RespList, ListInfo: v.Names})
	case Reset:
		return json.Marshal(Frame{Response: RespReset})
	case ErrorReply:
		return json.Marshal(Frame{Response: RespBadReq, Error: v.Reason})
	case PublicKeyData:
		return json.Marshal(Frame{Response: RespChallenge, Data: v.Key})
	case MessageFrame:
		return json.Marshal(Frame{
			Action:      ActionMessage,
			Sender:      v.Sender,
			Destination: v.Destination,
			Time:        v.Time,
			MessageText: v.Text,
		})
	case GetContacts:
		u, err := json.Marshal(v.Owner)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Frame{Action: ActionGetContacts, User: u})
	case AddContact:
		u, err := json.Marshal(v.Owner)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Frame{Action: ActionAddContact, User: u, AccountName: v.Target})
	case RemoveContact:
		u, err := json.Marshal(v.Owner)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Frame{Action: ActionRemoveContact, User: u, AccountName: v.Target})
	case UsersRequest:
		return json.Marshal(Frame{Action: ActionUsersRequest, AccountName: v.Owner})
	case PublicKeyRequest:
		return json.Marshal(Frame{Action: ActionPublicKeyReq, AccountName: v.Target})
	case Exit:
		return json.Marshal(Frame{Action: ActionExit, AccountName: v.Owner})
	default:
		return nil, fmt.Errorf("protocol: no wire encoding for %T", m)
	}
}
