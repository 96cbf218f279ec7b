package rpcengine

import (
	"encoding/json"
	"fmt"

	"github.com/pebblerpc/pebble/internal/rpcengine/pbpayload"
	"github.com/pebblerpc/pebble/internal/wire"
)

// CodecID selects which codec encodes/decodes an EXCEPTION body; the
// exception travels in the same codec as the call's RPC payload. The id
// rides on HeaderCodec so the response side can recover it without
// renegotiation.
type CodecID uint8

const (
	CodecBinary CodecID = iota
	CodecJSON
	CodecProtobuf
)

// HeaderCodec is an application-level (non-reserved) header key carrying
// the one-byte CodecID for a call.
const HeaderCodec uint16 = 10

func (c CodecID) String() string {
	switch c {
	case CodecBinary:
		return "binary"
	case CodecJSON:
		return "json"
	case CodecProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// RpcException is the decoded form of an EXCEPTION body.
type RpcException struct {
	ErrorCode int32  `json:"error_code"`
	Message   string `json:"message"`
}

// exceptionCodec encodes/decodes just the RpcException body; CALL/REPLY
// payloads otherwise pass through the engine as opaque bytes owned by the
// generated stub layer.
type exceptionCodec interface {
	EncodeException(RpcException) ([]byte, error)
	DecodeException([]byte) (RpcException, error)
}

type binaryExceptionCodec struct{}

func (binaryExceptionCodec) EncodeException(e RpcException) ([]byte, error) {
	msg := []byte(e.Message)
	buf := make([]byte, 0, 4+4+len(msg))
	buf = appendI32(buf, e.ErrorCode)
	buf = appendU32(buf, uint32(len(msg)))
	buf = append(buf, msg...)
	return buf, nil
}

func (binaryExceptionCodec) DecodeException(buf []byte) (RpcException, error) {
	if len(buf) < 8 {
		return RpcException{}, fmt.Errorf("rpcengine: truncated binary exception body")
	}
	code := int32(readU32(buf))
	mlen := readU32(buf[4:])
	if uint64(8)+uint64(mlen) > uint64(len(buf)) {
		return RpcException{}, fmt.Errorf("rpcengine: truncated binary exception message")
	}
	return RpcException{ErrorCode: code, Message: string(buf[8 : 8+mlen])}, nil
}

func appendI32(dst []byte, v int32) []byte { return appendU32(dst, uint32(v)) }

func appendU32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

type jsonExceptionCodec struct{}

func (jsonExceptionCodec) EncodeException(e RpcException) ([]byte, error) {
	return json.Marshal(e)
}

func (jsonExceptionCodec) DecodeException(buf []byte) (RpcException, error) {
	var e RpcException
	if err := json.Unmarshal(buf, &e); err != nil {
		return RpcException{}, fmt.Errorf("rpcengine: json exception decode: %w", err)
	}
	return e, nil
}

type protobufExceptionCodec struct{}

func (protobufExceptionCodec) EncodeException(e RpcException) ([]byte, error) {
	return pbpayload.EncodeException(e.ErrorCode, e.Message), nil
}

func (protobufExceptionCodec) DecodeException(buf []byte) (RpcException, error) {
	code, msg, err := pbpayload.DecodeException(buf)
	if err != nil {
		return RpcException{}, fmt.Errorf("rpcengine: protobuf exception decode: %w", err)
	}
	return RpcException{ErrorCode: code, Message: msg}, nil
}

func codecFor(id CodecID) exceptionCodec {
	switch id {
	case CodecJSON:
		return jsonExceptionCodec{}
	case CodecProtobuf:
		return protobufExceptionCodec{}
	default:
		return binaryExceptionCodec{}
	}
}

func codecIDFromHead(h *wire.Head) CodecID {
	v, ok := h.GetHeader(HeaderCodec)
	if !ok || len(v) != 1 {
		return CodecBinary
	}
	return CodecID(v[0])
}

func setCodecHeader(h *wire.Head, id CodecID) {
	h.SetHeader(HeaderCodec, []byte{byte(id)})
}
