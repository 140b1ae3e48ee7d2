// Package ident generates the identifiers zkgate writes into the tree.
package ident

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// tokenSeparator joins the owner and the per-acquire UUID in owner tokens.
const tokenSeparator = "#"

// NewNodeID returns a short, roughly time-ordered node id.
func NewNodeID() string {
	return xid.New().String()
}

// OwnerToken returns owner#<uuidv7>. The UUID makes every acquire unique and
// records when it was issued.
func OwnerToken(owner string) string {
	return owner + tokenSeparator + uuid.Must(uuid.NewV7()).String()
}

// ParseOwnerToken splits a token produced by OwnerToken. ok is false when
// token does not end in a version 7 UUID.
func ParseOwnerToken(token string) (owner string, issued time.Time, ok bool) {
	idx := strings.LastIndex(token, tokenSeparator)
	if idx < 0 {
		return "", time.Time{}, false
	}
	id, err := uuid.Parse(token[idx+1:])
	if err != nil || id.Version() != 7 {
		return "", time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return token[:idx], time.Unix(sec, nsec).UTC(), true
}
