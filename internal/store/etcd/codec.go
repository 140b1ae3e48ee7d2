package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/zkgate/internal/store"
)

// Key layout below the configured prefix:
//
//	n<path>   node value
//	c<path>   child-change marker; its key version is the node's cversion
//	s<path>   next sequence number for sequential children
func nodeKey(path string) string     { return "n" + path }
func childMarkKey(path string) string { return "c" + path }
func seqKey(path string) string       { return "s" + path }

func childPrefix(path string) string {
	if path == "/" {
		return "n/"
	}
	return "n" + path + "/"
}

// directChildren extracts immediate child names from a prefix scan.
func directChildren(path string, kvs []*mvccpb.KeyValue) []string {
	prefix := childPrefix(path)
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	return names
}

const (
	fieldCtime protowire.Number = 1
	fieldMtime protowire.Number = 2
	fieldData  protowire.Number = 3
)

type nodeValue struct {
	ctime time.Time
	mtime time.Time
	data  []byte
}

func encodeValue(v nodeValue) []byte {
	buf := make([]byte, 0, len(v.data)+24)
	buf = protowire.AppendTag(buf, fieldCtime, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(v.ctime.UnixMilli()))
	buf = protowire.AppendTag(buf, fieldMtime, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(v.mtime.UnixMilli()))
	if len(v.data) > 0 {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, v.data)
	}
	return buf
}

func decodeValue(b []byte) (nodeValue, error) {
	var v nodeValue
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return v, fmt.Errorf("store/etcd: decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldCtime && typ == protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return v, fmt.Errorf("store/etcd: decode ctime: %w", protowire.ParseError(m))
			}
			v.ctime = time.UnixMilli(int64(x))
			n = m
		case num == fieldMtime && typ == protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return v, fmt.Errorf("store/etcd: decode mtime: %w", protowire.ParseError(m))
			}
			v.mtime = time.UnixMilli(int64(x))
			n = m
		case num == fieldData && typ == protowire.BytesType:
			x, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return v, fmt.Errorf("store/etcd: decode data: %w", protowire.ParseError(m))
			}
			v.data = append([]byte(nil), x...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return v, fmt.Errorf("store/etcd: skip field %d: %w", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return v, nil
}

// statOf builds a Stat from the node key and its child-change marker.
func statOf(kv *mvccpb.KeyValue, v nodeValue, cversion int64, numChildren int) *store.Stat {
	return &store.Stat{
		Version:        kv.Version - 1,
		CVersion:       cversion,
		EphemeralOwner: kv.Lease,
		Ctime:          v.ctime,
		Mtime:          v.mtime,
		NumChildren:    numChildren,
		DataLength:     len(v.data),
	}
}

func rootStat(cversion int64, numChildren int) *store.Stat {
	return &store.Stat{CVersion: cversion, NumChildren: numChildren}
}

// mapError translates client and gRPC failures into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: %w", store.ErrSessionExpired, err)
	case errors.Is(err, clientv3.ErrNoAvailableEndpoints):
		return fmt.Errorf("%w: %w", store.ErrConnectionLoss, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return fmt.Errorf("%w: %w", store.ErrConnectionLoss, err)
	case codes.Canceled:
		return context.Canceled
	}
	return err
}
