package signature

import (
	"crypto/sha512"
	"net/url"
)

const (
	VNPayHashField     = "vnp_SecureHash"
	VNPayHashTypeField = "vnp_SecureHashType"

	// VNPayFieldPrefix marks the parameters VNPay signs. Anything else in a
	// callback query belongs to the merchant's own return or IPN URL.
	VNPayFieldPrefix = "vnp_"
)

// VNPay signs the query string it transmits: values are form-escaped
// (space becomes '+'), empty values are left out, HMAC-SHA512.
type VNPay struct{}

func (VNPay) Canonicalize(params map[string]string, includeEmpty bool) string {
	return canonicalize(params, includeEmpty, url.QueryEscape)
}

func (VNPay) Sign(canonical, secret string) string {
	return hmacHex(sha512.New, canonical, secret)
}

func (c VNPay) Verify(raw map[string]string, provided, secret string) bool {
	params := without(raw, VNPayFieldPrefix, VNPayHashField, VNPayHashTypeField)
	return EqualHex(c.Sign(c.Canonicalize(params, false), secret), provided)
}

// SignedQuery returns the canonical query with vnp_SecureHash appended,
// ready to be used as a redirect URL query.
func (c VNPay) SignedQuery(params map[string]string, secret string) string {
	canonical := c.Canonicalize(params, false)
	return canonical + "&" + VNPayHashField + "=" + c.Sign(canonical, secret)
}
