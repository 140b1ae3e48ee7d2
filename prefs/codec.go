package prefs

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Node content is a protobuf wire map: one repeated field 1 entry per key,
// each entry carrying field 1 key and either field 2 (string value) or
// field 3 (bytes value).
const (
	fieldEntry  protowire.Number = 1
	fieldKey    protowire.Number = 1
	fieldString protowire.Number = 2
	fieldBytes  protowire.Number = 3
)

type value struct {
	data  []byte
	bytes bool
}

func encodeValues(values map[string]value) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf []byte
	for _, k := range keys {
		v := values[k]
		var entry []byte
		entry = protowire.AppendTag(entry, fieldKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		field := fieldString
		if v.bytes {
			field = fieldBytes
		}
		entry = protowire.AppendTag(entry, field, protowire.BytesType)
		entry = protowire.AppendBytes(entry, v.data)
		buf = protowire.AppendTag(buf, fieldEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	return buf
}

func decodeValues(b []byte) (map[string]value, error) {
	values := make(map[string]value)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("prefs: decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("prefs: skip field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		entry, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, fmt.Errorf("prefs: decode entry: %w", protowire.ParseError(m))
		}
		b = b[m:]
		key, v, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		values[key] = v
	}
	return values, nil
}

func decodeEntry(b []byte) (string, value, error) {
	var (
		key string
		v   value
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", v, fmt.Errorf("prefs: decode entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", v, fmt.Errorf("prefs: skip entry field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		raw, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return "", v, fmt.Errorf("prefs: decode entry field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case fieldKey:
			key = string(raw)
		case fieldString:
			v = value{data: append([]byte(nil), raw...)}
		case fieldBytes:
			v = value{data: append([]byte(nil), raw...), bytes: true}
		}
	}
	return key, v, nil
}
