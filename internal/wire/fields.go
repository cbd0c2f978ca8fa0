package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Low-level helpers shared by the hand-maintained marshal/unmarshal code.
// Strings and nested messages travel as length-delimited fields; integers,
// enums and bools travel as varints. Zero values are omitted, matching
// proto3 presence rules, except inside oneof wrappers where the pointer
// carries presence.

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func appendEmptyMessage(b []byte, num protowire.Number) []byte {
	return appendMessage(b, num, nil)
}

// eachField walks every field in data and hands it to fn. Length-delimited
// fields arrive in payload; varint fields arrive in scalar. Fields with an
// unrecognized number or wire type are skipped, so decoders tolerate
// additions from newer peers.
func eachField(data []byte, fn func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, payload, 0, true); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, nil, v, false); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}
