package handler

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

const signatureHeader = "X-Twilio-Signature"

// computeSignature signs the full request URL followed by every POST
// parameter, sorted by name, as name+value pairs.
func computeSignature(authToken, fullURL string, form url.Values) string {
	names := make([]string, 0, len(form))
	for name := range form {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, name := range names {
		values := append([]string(nil), form[name]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(name)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validSignature(authToken, fullURL string, form url.Values, got string) bool {
	if got == "" {
		return false
	}
	want := computeSignature(authToken, fullURL, form)
	return hmac.Equal([]byte(want), []byte(got))
}
