package protocol

import "errors"

// ErrMalformedFrame is returned when raw bytes do not decode as a JSON
// object of the expected shape at all (§7: MalformedFrame).
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrProtocolViolation is returned when a frame decodes but its
// action/fields are wrong for that action (§7: ProtocolViolation).
var ErrProtocolViolation = errors.New("protocol: protocol violation")
