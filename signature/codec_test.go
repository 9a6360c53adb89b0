package signature

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"testing/quick"
)

const secret = "TESTSECRETKEY0123456789"

func TestVNPayCanonicalizeEscapesSpaceAsPlusAndDropsEmpty(t *testing.T) {
	got := VNPay{}.Canonicalize(map[string]string{
		"vnp_OrderInfo": "Thanh toan san 1",
		"vnp_Amount":    "20000000",
		"vnp_BankCode":  "",
		"vnp_ReturnUrl": "https://example.com/return?x=1",
	}, false)
	want := "vnp_Amount=20000000&vnp_OrderInfo=Thanh+toan+san+1&vnp_ReturnUrl=https%3A%2F%2Fexample.com%2Freturn%3Fx%3D1"
	if got != want {
		t.Fatalf("canonical mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestPayOSCanonicalizeKeepsRawValuesAndEmpty(t *testing.T) {
	got := PayOS{}.Canonicalize(map[string]string{
		"orderCode":   "123",
		"description": "Thanh toan san 1",
		"reference":   "",
		"amount":      "200000",
	}, true)
	want := "amount=200000&description=Thanh toan san 1&orderCode=123&reference="
	if got != want {
		t.Fatalf("canonical mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	keys := []string{"vnp_TxnRef", "vnp_Amount", "vnp_Command", "a", "Z", "vnp_Locale", "b_"}
	for _, codec := range []Codec{VNPay{}, PayOS{}} {
		var first string
		for i := 0; i < 20; i++ {
			perm := rand.New(rand.NewSource(int64(i))).Perm(len(keys))
			params := make(map[string]string, len(keys))
			for _, idx := range perm {
				params[keys[idx]] = "v " + keys[idx]
			}
			got := codec.Canonicalize(params, true)
			if i == 0 {
				first = got
				continue
			}
			if got != first {
				t.Fatalf("%T: canonical form depends on insertion order:\n%s\n%s", codec, first, got)
			}
		}
	}
}

func TestCanonicalizeSortsBytewise(t *testing.T) {
	got := PayOS{}.Canonicalize(map[string]string{"b": "1", "B": "2", "a": "3"}, true)
	if got != "B=2&a=3&b=1" {
		t.Fatalf("expected byte-wise order, got %s", got)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	codecs := []Codec{VNPay{}, PayOS{}}
	for _, codec := range codecs {
		codec := codec
		prop := func(seed int64, key string) bool {
			params := randomParams(seed)
			includeEmpty := false
			if _, ok := codec.(PayOS); ok {
				includeEmpty = true
			}
			sig := codec.Sign(codec.Canonicalize(params, includeEmpty), key)
			return codec.Verify(params, sig, key)
		}
		if err := quick.Check(prop, &quick.Config{MaxCount: 200}); err != nil {
			t.Fatalf("%T round trip failed: %v", codec, err)
		}
	}
}

func TestVerifyIgnoresSignatureFieldsAndCase(t *testing.T) {
	params := map[string]string{"vnp_Amount": "20000000", "vnp_TxnRef": "ORD1", "vnp_ResponseCode": "00"}
	c := VNPay{}
	sig := c.Sign(c.Canonicalize(params, false), secret)

	withHash := map[string]string{VNPayHashField: sig, VNPayHashTypeField: "HmacSHA512"}
	for k, v := range params {
		withHash[k] = v
	}
	if !c.Verify(withHash, strings.ToUpper(sig), secret) {
		t.Fatal("expected verification to ignore hash fields and hex case")
	}
}

func TestVNPayVerifyIgnoresMerchantQueryParams(t *testing.T) {
	params := map[string]string{"vnp_Amount": "20000000", "vnp_TxnRef": "ORD1", "vnp_ResponseCode": "00"}
	c := VNPay{}
	sig := c.Sign(c.Canonicalize(params, false), secret)

	delivered := map[string]string{"bookingId": "42", "lang": "vi"}
	for k, v := range params {
		delivered[k] = v
	}
	if !c.Verify(delivered, sig, secret) {
		t.Fatal("parameters of the merchant return URL broke verification")
	}
	delivered["vnp_TxnRef"] = "ORD2"
	if c.Verify(delivered, sig, secret) {
		t.Fatal("tampered vnp field verified")
	}
}

func TestEqualHex(t *testing.T) {
	if !EqualHex("abcdef", "ABCDEF") {
		t.Fatal("case should not matter")
	}
	if EqualHex("abcdef", "abcdee") || EqualHex("abcdef", "") {
		t.Fatal("mismatch accepted")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	params := map[string]string{"vnp_Amount": "20000000", "vnp_TxnRef": "ORD1"}
	c := VNPay{}
	sig := c.Sign(c.Canonicalize(params, false), secret)

	params["vnp_Amount"] = "20000001"
	if c.Verify(params, sig, secret) {
		t.Fatal("tampered amount verified")
	}
	params["vnp_Amount"] = "20000000"
	if c.Verify(params, sig, "other-secret") {
		t.Fatal("wrong secret verified")
	}
	if c.Verify(params, "", secret) {
		t.Fatal("empty signature verified")
	}
}

func TestPayOSEnvelopeVerification(t *testing.T) {
	data := `{"orderCode":123,"amount":200000,"description":"Thanh toan","accountNumber":"12345678","reference":"TF230204212323","transactionDateTime":"2023-02-04 18:25:00","currency":"VND","paymentLinkId":"124c33293c43417ab7879e14c8d9eb18","code":"00","desc":"Thành công","counterAccountBankId":"","counterAccountBankName":"","counterAccountName":null,"counterAccountNumber":null,"virtualAccountName":"","virtualAccountNumber":""}`
	flat, err := FlattenData([]byte(data))
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if flat["orderCode"] != "123" || flat["amount"] != "200000" || flat["counterAccountName"] != "" {
		t.Fatalf("unexpected flattening: %#v", flat)
	}
	sig := PayOS{}.Sign(PayOS{}.Canonicalize(flat, true), secret)
	body := `{"code":"00","desc":"success","success":true,"data":` + data + `,"signature":"` + sig + `"}`

	env, _, ok, err := PayOS{}.VerifyEnvelope([]byte(body), secret)
	if err != nil || !ok {
		t.Fatalf("expected valid envelope, ok=%v err=%v", ok, err)
	}
	if env.Code != "00" {
		t.Fatalf("unexpected code %q", env.Code)
	}

	tampered := strings.Replace(body, `"amount":200000`, `"amount":900000`, 1)
	if _, _, ok, err := (PayOS{}).VerifyEnvelope([]byte(tampered), secret); err != nil || ok {
		t.Fatalf("tampered envelope should fail verification, ok=%v err=%v", ok, err)
	}
}

func TestParseEnvelopeRejectsMissingData(t *testing.T) {
	if _, _, err := ParseEnvelope([]byte(`{"code":"00","signature":"x"}`)); err == nil {
		t.Fatal("expected error for missing data")
	}
	if _, _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestFlattenNestedValues(t *testing.T) {
	flat, err := FlattenData([]byte(`{"items":[{"quantity":1,"name":"San A","price":100}],"paid":true,"note":"undefined"}`))
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if flat["items"] != `[{"name":"San A","price":100,"quantity":1}]` {
		t.Fatalf("nested value not sorted compact json: %s", flat["items"])
	}
	if flat["paid"] != "true" || flat["note"] != "" {
		t.Fatalf("unexpected scalars: %#v", flat)
	}
}

func TestJoinPositional(t *testing.T) {
	if got := JoinPositional("a", "", "c"); got != "a||c" {
		t.Fatalf("got %q", got)
	}
}

func randomParams(seed int64) map[string]string {
	r := rand.New(rand.NewSource(seed))
	n := r.Intn(12)
	params := make(map[string]string, n)
	alphabet := []rune("abcXYZ 09&=+%/?éđ")
	for i := 0; i < n; i++ {
		var v strings.Builder
		for j := r.Intn(8); j > 0; j-- {
			v.WriteRune(alphabet[r.Intn(len(alphabet))])
		}
		params["k"+strconv.Itoa(r.Intn(50))] = v.String()
	}
	return params
}
