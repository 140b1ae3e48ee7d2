package lock

import (
	"strconv"
	"strings"

	"pkt.systems/zkgate/coord"
)

const recoveryKeyPrefix = "rk1:"

// CreateRecoveryKey encodes lockName and ownerContent into one string. The
// lock name is length-prefixed (in bytes), so either part may contain any
// character, the separator included.
func CreateRecoveryKey(lockName, ownerContent string) string {
	var b strings.Builder
	b.Grow(len(recoveryKeyPrefix) + 12 + len(lockName) + len(ownerContent))
	b.WriteString(recoveryKeyPrefix)
	b.WriteString(strconv.Itoa(len(lockName)))
	b.WriteByte(':')
	b.WriteString(lockName)
	b.WriteString(ownerContent)
	return b.String()
}

// ExtractRecoveryKeyDetails reverses CreateRecoveryKey. Errors match
// coord.ErrMalformedRecoveryKey.
func ExtractRecoveryKeyDetails(key string) (lockName, ownerContent string, err error) {
	rest, ok := strings.CutPrefix(key, recoveryKeyPrefix)
	if !ok {
		return "", "", coord.Fail(coord.ErrMalformedRecoveryKey, "", "missing version prefix", nil)
	}
	digits, body, ok := strings.Cut(rest, ":")
	if !ok || digits == "" {
		return "", "", coord.Fail(coord.ErrMalformedRecoveryKey, "", "missing length", nil)
	}
	if len(digits) > 1 && digits[0] == '0' {
		return "", "", coord.Fail(coord.ErrMalformedRecoveryKey, "", "non-canonical length", nil)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return "", "", coord.Fail(coord.ErrMalformedRecoveryKey, "", "invalid length "+strconv.Quote(digits), err)
	}
	if n > len(body) {
		return "", "", coord.Fail(coord.ErrMalformedRecoveryKey, "", "length exceeds key", nil)
	}
	return body[:n], body[n:], nil
}
