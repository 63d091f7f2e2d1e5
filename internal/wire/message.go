package wire

import "fmt"

// Kind identifies one of the three y-websocket message types.
type Kind byte

const (
	KindSyncStep1 Kind = 0
	KindSyncStep2 Kind = 1
	KindAwareness Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync-step-1"
	case KindSyncStep2:
		return "sync-step-2"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown-kind(%d)", byte(k))
	}
}

// DecodeError classifies why a decode failed, distinctly from a successful
// decode of an empty or zero-valued message.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "wire: " + e.Reason }

var (
	errEmpty     = &DecodeError{Reason: "empty frame"}
	errUnknown   = &DecodeError{Reason: "unknown message kind"}
	errBadFrame  = &DecodeError{Reason: "malformed varint"}
	errTruncated = &DecodeError{Reason: "declared length exceeds remaining bytes"}
)

// SyncMessage is a decoded SYNC_STEP_1 or SYNC_STEP_2 frame. Payload aliases
// the input buffer; callers that need to retain it must copy it themselves.
type SyncMessage struct {
	Kind    Kind
	Payload []byte
}

// AwarenessMessage is a decoded AWARENESS frame. JSON is always a freshly
// owned copy, independent of the input buffer. An empty JSON payload (len 0)
// is a removal, distinct from a nil/absent JSON.
type AwarenessMessage struct {
	ClientID uint32
	JSON     []byte
}

// EncodeSyncStep1 frames a state vector as a SYNC_STEP_1 message.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(KindSyncStep1, stateVector)
}

// EncodeSyncStep2 frames an update as a SYNC_STEP_2 message.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(KindSyncStep2, update)
}

func encodeSync(kind Kind, payload []byte) []byte {
	lenPrefix := PutUvarint(uint32(len(payload)))
	out := make([]byte, 0, 1+len(lenPrefix)+len(payload))
	out = append(out, byte(kind))
	out = append(out, lenPrefix...)
	out = append(out, payload...)
	return out
}

// EncodeAwareness frames a client's awareness blob as an AWARENESS message.
// A nil or empty json argument encodes a removal.
func EncodeAwareness(clientID uint32, json []byte) []byte {
	clientPrefix := PutUvarint(clientID)
	jsonLenPrefix := PutUvarint(uint32(len(json)))
	innerLen := len(clientPrefix) + len(jsonLenPrefix) + len(json)
	outerPrefix := PutUvarint(uint32(innerLen))

	out := make([]byte, 0, 1+len(outerPrefix)+innerLen)
	out = append(out, byte(KindAwareness))
	out = append(out, outerPrefix...)
	out = append(out, clientPrefix...)
	out = append(out, jsonLenPrefix...)
	out = append(out, json...)
	return out
}

// Decode parses a single y-websocket frame. On success it returns exactly
// one of (*SyncMessage, nil) or (nil, *AwarenessMessage); on failure both
// are nil and err is non-nil.
func Decode(frame []byte) (*SyncMessage, *AwarenessMessage, error) {
	if len(frame) < 1 {
		return nil, nil, errEmpty
	}
	kind := Kind(frame[0])
	rest := frame[1:]

	switch kind {
	case KindSyncStep1, KindSyncStep2:
		payload, err := decodeLengthPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		return &SyncMessage{Kind: kind, Payload: payload}, nil, nil
	case KindAwareness:
		outer, err := decodeLengthPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		clientID, n, err := Uvarint(outer)
		if err != nil {
			return nil, nil, errBadFrame
		}
		outer = outer[n:]
		jsonBytes, err := decodeLengthPrefixed(outer)
		if err != nil {
			return nil, nil, err
		}
		owned := make([]byte, len(jsonBytes))
		copy(owned, jsonBytes)
		return nil, &AwarenessMessage{ClientID: clientID, JSON: owned}, nil
	default:
		return nil, nil, errUnknown
	}
}

// decodeLengthPrefixed reads a varint(len) || bytes[len] pair, returning a
// slice into b with no copy.
func decodeLengthPrefixed(b []byte) ([]byte, error) {
	n, consumed, err := Uvarint(b)
	if err != nil {
		return nil, errBadFrame
	}
	b = b[consumed:]
	if uint32(len(b)) < n {
		return nil, errTruncated
	}
	return b[:n], nil
}
