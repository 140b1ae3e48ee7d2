package queue

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message node content is a protobuf wire envelope:
//
//	1: hidden-until, unix milliseconds (0 = visible)
//	2: delivery count
//	3: enqueued-at, unix milliseconds
//	4: body
const (
	fieldHiddenUntil protowire.Number = 1
	fieldDeliveries  protowire.Number = 2
	fieldEnqueuedAt  protowire.Number = 3
	fieldBody        protowire.Number = 4
)

type envelope struct {
	hiddenUntil time.Time
	deliveries  int
	enqueuedAt  time.Time
	body        []byte
}

func millis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

func fromMillis(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(v)).UTC()
}

func (e envelope) encode() []byte {
	buf := make([]byte, 0, len(e.body)+32)
	if !e.hiddenUntil.IsZero() {
		buf = protowire.AppendTag(buf, fieldHiddenUntil, protowire.VarintType)
		buf = protowire.AppendVarint(buf, millis(e.hiddenUntil))
	}
	if e.deliveries > 0 {
		buf = protowire.AppendTag(buf, fieldDeliveries, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(e.deliveries))
	}
	buf = protowire.AppendTag(buf, fieldEnqueuedAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, millis(e.enqueuedAt))
	buf = protowire.AppendTag(buf, fieldBody, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.body)
	return buf
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("queue: decode envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.VarintType && num != fieldBody {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return e, fmt.Errorf("queue: decode envelope field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldHiddenUntil:
				e.hiddenUntil = fromMillis(v)
			case fieldDeliveries:
				e.deliveries = int(v)
			case fieldEnqueuedAt:
				e.enqueuedAt = fromMillis(v)
			}
			b = b[m:]
			continue
		}
		if num == fieldBody && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return e, fmt.Errorf("queue: decode envelope body: %w", protowire.ParseError(m))
			}
			e.body = append([]byte(nil), v...)
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return e, fmt.Errorf("queue: skip envelope field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return e, nil
}
