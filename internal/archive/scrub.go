package archive

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\b[0-9]{0,3}[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`)
)

// signatureFields never leave the process, even to the archive.
var signatureFields = []string{"vnp_securehash", "vnp_securehashtype", "signature"}

// ScrubPII replaces emails with [EMAIL] and phone numbers with [PHONE].
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	return text
}

// ScrubPayload redacts signatures and PII from a raw provider payload.
// Query-string payloads are scrubbed field by field; anything else is
// treated as text.
func ScrubPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	text := string(raw)
	if values, err := url.ParseQuery(text); err == nil && strings.Contains(text, "=") && !strings.HasPrefix(strings.TrimSpace(text), "{") {
		for key := range values {
			if isSignatureField(key) {
				values.Set(key, "[REDACTED]")
				continue
			}
			for i, v := range values[key] {
				values[key][i] = ScrubPII(v)
			}
		}
		return []byte(values.Encode())
	}
	text = ScrubPII(text)
	for _, field := range signatureFields {
		text = redactJSONField(text, field)
	}
	return []byte(text)
}

func isSignatureField(key string) bool {
	lower := strings.ToLower(key)
	for _, f := range signatureFields {
		if lower == f {
			return true
		}
	}
	return false
}

var jsonFieldRes = map[string]*regexp.Regexp{}

func init() {
	for _, f := range signatureFields {
		jsonFieldRes[f] = regexp.MustCompile(`(?i)("` + regexp.QuoteMeta(f) + `"\s*:\s*)"[^"]*"`)
	}
}

func redactJSONField(text, field string) string {
	return jsonFieldRes[field].ReplaceAllString(text, `${1}"[REDACTED]"`)
}
