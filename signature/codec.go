// Package signature implements the canonical parameter encodings and HMAC
// signing conventions of the supported payment gateways.
//
// Monetary values must already be in the gateway's wire unit when they reach
// a codec; no amount arithmetic happens here.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

// Codec canonicalizes a flat parameter set into a signable string and
// signs/verifies it with the gateway's HMAC variant.
type Codec interface {
	Canonicalize(params map[string]string, includeEmpty bool) string
	Sign(canonical, secret string) string
	Verify(raw map[string]string, provided, secret string) bool
}

// canonicalize sorts keys byte-wise and joins key=escape(value) with '&'.
func canonicalize(params map[string]string, includeEmpty bool, escape func(string) string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" && !includeEmpty {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escape(params[k]))
	}
	return b.String()
}

func hmacHex(h func() hash.Hash, canonical, secret string) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHex compares hex digests in constant time, ignoring case.
func EqualHex(expected, provided string) bool {
	if provided == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// without returns a copy of params minus the given keys. A non-empty prefix
// also drops every key not starting with it.
func without(params map[string]string, prefix string, drop ...string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	for _, k := range drop {
		delete(out, k)
	}
	return out
}

// JoinPositional builds the pipe-delimited, order-significant string the
// VNPay merchant web API signs for querydr and refund calls.
func JoinPositional(values ...string) string {
	return strings.Join(values, "|")
}

// SignSHA512 and SignSHA256 expose the raw HMAC primitives for strings that
// are not key=value canonical forms.
func SignSHA512(data, secret string) string { return hmacHex(sha512.New, data, secret) }

func SignSHA256(data, secret string) string { return hmacHex(sha256.New, data, secret) }
