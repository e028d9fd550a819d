package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const (
	paramSecureHash     = "vnp_SecureHash"
	paramSecureHashType = "vnp_SecureHashType"
)

// canonicalQuery sorts keys and joins url-encoded pairs with '&'. Empty values
// and the hash fields themselves are left out.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == paramSecureHash || k == paramSecureHashType {
			continue
		}
		if params.Get(k) == "" {
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
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}
	return b.String()
}

func hmacSHA512(secret, data string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the hex HMAC-SHA512 of the canonical query.
func Sign(secret string, params url.Values) string {
	return hmacSHA512(secret, canonicalQuery(params))
}

func verify(secret string, params url.Values) bool {
	received := strings.ToLower(strings.TrimSpace(params.Get(paramSecureHash)))
	if received == "" {
		return false
	}
	expected := Sign(secret, params)
	return hmac.Equal([]byte(expected), []byte(received))
}

func signFields(secret string, fields ...string) string {
	return hmacSHA512(secret, strings.Join(fields, "|"))
}
