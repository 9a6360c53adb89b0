package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const PayOSSignatureField = "signature"

// PayOS signs alphabetically sorted key=value pairs without escaping, with
// empty values kept as "key=", HMAC-SHA256 keyed by the checksum key.
type PayOS struct{}

func (PayOS) Canonicalize(params map[string]string, includeEmpty bool) string {
	return canonicalize(params, includeEmpty, func(v string) string { return v })
}

func (PayOS) Sign(canonical, secret string) string {
	return hmacHex(sha256.New, canonical, secret)
}

func (c PayOS) Verify(raw map[string]string, provided, secret string) bool {
	params := without(raw, "", PayOSSignatureField)
	return EqualHex(c.Sign(c.Canonicalize(params, true), secret), provided)
}

// Envelope is the shape of PayOS webhooks and API responses: a nested data
// object with a sibling signature over it.
type Envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

var ErrMalformedEnvelope = errors.New("signature: malformed payos envelope")

// ParseEnvelope decodes a webhook or API body and flattens its data object.
func ParseEnvelope(body []byte) (*Envelope, map[string]string, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return &env, nil, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	flat, err := FlattenData(env.Data)
	if err != nil {
		return &env, nil, err
	}
	return &env, flat, nil
}

// VerifyEnvelope unwraps data and checks the sibling signature.
func (c PayOS) VerifyEnvelope(body []byte, secret string) (*Envelope, map[string]string, bool, error) {
	env, flat, err := ParseEnvelope(body)
	if err != nil {
		return env, nil, false, err
	}
	return env, flat, c.Verify(flat, env.Signature, secret), nil
}

// FlattenData turns the data object into the string map PayOS signs.
// Numbers keep their literal text, null (and the literal strings "null" and
// "undefined") become empty, nested values become compact JSON.
func FlattenData(raw json.RawMessage) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		s, err := flatValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrMalformedEnvelope, k, err)
		}
		out[k] = s
	}
	return out, nil
}

func flatValue(v any) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", nil
	case string:
		if vv == "null" || vv == "undefined" {
			return "", nil
		}
		return vv, nil
	case json.Number:
		return vv.String(), nil
	case bool:
		return strconv.FormatBool(vv), nil
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
