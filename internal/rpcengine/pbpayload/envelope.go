// Package pbpayload implements a minimal protobuf-wire envelope for
// RpcException bodies, field-compatible with a hypothetical
//
//	message RpcException { int32 error_code = 1; string message = 2; }
//
// No protoc-generated stubs are produced here; stub generation belongs to
// the IDL toolchain, not this package. The two fields are encoded/decoded
// directly with google.golang.org/protobuf/encoding/protowire, the same
// low-level package protoc-gen-go itself emits code against.
package pbpayload

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldErrorCode protowire.Number = 1
	fieldMessage   protowire.Number = 2
)

// EncodeException serializes (errorCode, message) as the two-field
// message described above.
func EncodeException(errorCode int32, message string) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldErrorCode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(errorCode))&0xFFFFFFFF)
	buf = protowire.AppendTag(buf, fieldMessage, protowire.BytesType)
	buf = protowire.AppendString(buf, message)
	return buf
}

// DecodeException parses bytes produced by EncodeException. Unknown
// fields are skipped for forward compatibility.
func DecodeException(buf []byte) (errorCode int32, message string, err error) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, "", fmt.Errorf("pbpayload: bad tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case fieldErrorCode:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, "", fmt.Errorf("pbpayload: bad error_code varint: %w", protowire.ParseError(n))
			}
			errorCode = int32(v)
			buf = buf[n:]
		case fieldMessage:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return 0, "", fmt.Errorf("pbpayload: bad message bytes: %w", protowire.ParseError(n))
			}
			message = string(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return 0, "", fmt.Errorf("pbpayload: bad unknown field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return errorCode, message, nil
}
