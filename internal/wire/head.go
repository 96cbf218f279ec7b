// Package wire implements the RPC header codec: a self-delimited,
// length-prefixed record carrying version, message type, an ordered header
// map, the "Service:method" function name, and a u64 session id.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pebblerpc/pebble/internal/rpcerr"
)

// MessageType enumerates the four wire message kinds.
type MessageType uint8

const (
	Call MessageType = iota + 1
	Reply
	Exception
	Oneway
)

func (t MessageType) String() string {
	switch t {
	case Call:
		return "CALL"
	case Reply:
		return "REPLY"
	case Exception:
		return "EXCEPTION"
	case Oneway:
		return "ONEWAY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

func (t MessageType) Valid() bool {
	switch t {
	case Call, Reply, Exception, Oneway:
		return true
	default:
		return false
	}
}

// Reserved header keys.
const (
	HeaderFunctionName     uint16 = 1
	HeaderSessionID        uint16 = 2
	HeaderArrivalTimestamp uint16 = 3
)

// CurrentVersion is the highest RpcHead version this codec understands.
const CurrentVersion uint8 = 1

// Head is the decoded RpcHead. Headers preserves insertion order so
// encode(decode(x)) reproduces the same byte sequence.
type Head struct {
	Version      uint8
	MessageType  MessageType
	HeaderKeys   []uint16 // insertion order
	Headers      map[uint16][]byte
	FunctionName string
	SessionID    uint64
}

// NewHead builds an empty, well-formed Head.
func NewHead(mt MessageType, functionName string, sessionID uint64) *Head {
	return &Head{
		Version:      CurrentVersion,
		MessageType:  mt,
		Headers:      make(map[uint16][]byte),
		FunctionName: functionName,
		SessionID:    sessionID,
	}
}

// SetHeader sets (or overwrites in place, preserving original position) a
// header key.
func (h *Head) SetHeader(key uint16, value []byte) {
	if h.Headers == nil {
		h.Headers = make(map[uint16][]byte)
	}
	if _, exists := h.Headers[key]; !exists {
		h.HeaderKeys = append(h.HeaderKeys, key)
	}
	h.Headers[key] = value
}

// GetHeader returns a header value and whether it was present.
func (h *Head) GetHeader(key uint16) ([]byte, bool) {
	v, ok := h.Headers[key]
	return v, ok
}

// Encode appends the wire representation of h to dst and returns the
// extended slice. Layout: version(1) | message_type(1) |
// (key(2) len(4) bytes)* key=0 | name_len(2) name | session_id(8), all
// little-endian.
func (h *Head) Encode(dst []byte) ([]byte, error) {
	if !h.MessageType.Valid() {
		return nil, rpcerr.New(rpcerr.EncodeFailed, "invalid message_type")
	}
	if (h.MessageType == Call || h.MessageType == Oneway) && h.FunctionName == "" {
		return nil, rpcerr.New(rpcerr.EncodeFailed, "function_name required for CALL/ONEWAY")
	}

	dst = append(dst, h.Version, uint8(h.MessageType))

	for _, key := range h.HeaderKeys {
		val, ok := h.Headers[key]
		if !ok || key == 0 {
			continue
		}
		var kbuf [2]byte
		binary.LittleEndian.PutUint16(kbuf[:], key)
		dst = append(dst, kbuf[:]...)
		var lbuf [4]byte
		binary.LittleEndian.PutUint32(lbuf[:], uint32(len(val)))
		dst = append(dst, lbuf[:]...)
		dst = append(dst, val...)
	}
	// terminator: key=0
	var term [2]byte
	dst = append(dst, term[:]...)

	if len(h.FunctionName) > 0xFFFF {
		return nil, rpcerr.New(rpcerr.EncodeFailed, "function_name too long")
	}
	var nlen [2]byte
	binary.LittleEndian.PutUint16(nlen[:], uint16(len(h.FunctionName)))
	dst = append(dst, nlen[:]...)
	dst = append(dst, h.FunctionName...)

	var sid [8]byte
	binary.LittleEndian.PutUint64(sid[:], h.SessionID)
	dst = append(dst, sid[:]...)

	return dst, nil
}

// PeekSessionID attempts to recover the trailing session id from a header
// this decoder otherwise rejects (an unsupported version, say), assuming
// the known field layout still holds. Best effort: returns false whenever
// the buffer does not walk cleanly.
func PeekSessionID(buf []byte) (uint64, bool) {
	off := 2 // version + message_type
	if len(buf) < off {
		return 0, false
	}
	for {
		if off+2 > len(buf) {
			return 0, false
		}
		key := binary.LittleEndian.Uint16(buf[off:])
		off += 2
		if key == 0 {
			break
		}
		if off+4 > len(buf) {
			return 0, false
		}
		vlen := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		if uint64(off)+uint64(vlen) > uint64(len(buf)) {
			return 0, false
		}
		off += int(vlen)
	}
	if off+2 > len(buf) {
		return 0, false
	}
	nlen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2 + nlen
	if off+8 > len(buf) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[off:]), true
}

// Decode parses a Head from the front of buf and returns the head plus the
// number of bytes consumed (so the caller can slice the remaining payload).
func Decode(buf []byte) (*Head, int, error) {
	const minLen = 1 + 1 + 2 /*terminator*/ + 2 /*name len*/ + 8 /*session*/
	if len(buf) < minLen {
		return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "truncated header")
	}

	off := 0
	version := buf[off]
	off++
	if version > CurrentVersion {
		return nil, 0, rpcerr.New(rpcerr.UnsupportedVersion, fmt.Sprintf("version %d > max %d", version, CurrentVersion))
	}

	mt := MessageType(buf[off])
	off++
	if !mt.Valid() {
		return nil, 0, rpcerr.New(rpcerr.DecodeFailed, fmt.Sprintf("unknown message_type %d", mt))
	}

	h := &Head{Version: version, MessageType: mt, Headers: make(map[uint16][]byte)}

	for {
		if off+2 > len(buf) {
			return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "truncated header key")
		}
		key := binary.LittleEndian.Uint16(buf[off:])
		off += 2
		if key == 0 {
			break
		}
		if off+4 > len(buf) {
			return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "truncated header len")
		}
		vlen := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		if uint64(off)+uint64(vlen) > uint64(len(buf)) {
			return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "truncated header value")
		}
		val := make([]byte, vlen)
		copy(val, buf[off:off+int(vlen)])
		off += int(vlen)
		h.SetHeader(key, val)
	}

	if off+2 > len(buf) {
		return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "truncated function_name length")
	}
	nlen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+nlen > len(buf) {
		return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "truncated function_name")
	}
	h.FunctionName = string(buf[off : off+nlen])
	off += nlen

	if off+8 > len(buf) {
		return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "truncated session_id")
	}
	h.SessionID = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	if (h.MessageType == Call || h.MessageType == Oneway) && h.FunctionName == "" {
		return nil, 0, rpcerr.New(rpcerr.DecodeFailed, "function_name required for CALL/ONEWAY")
	}

	return h, off, nil
}
