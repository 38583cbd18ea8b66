package voice

import (
	"net/url"
	"strings"

	"nexus-agent/internal/domain"
)

// CallParams are the webhook form fields used by the engine.
type CallParams struct {
	CallSid       string
	Caller        string
	Called        string
	SpeechResult  string
	CallerState   string
	CallerCountry string
	CallerZip     string
}

// ParseCallParams reads CallParams from a decoded webhook form. Caller and
// Called fall back to From and To.
func ParseCallParams(form url.Values) CallParams {
	p := CallParams{
		CallSid:       strings.TrimSpace(form.Get("CallSid")),
		Caller:        strings.TrimSpace(form.Get("Caller")),
		Called:        strings.TrimSpace(form.Get("Called")),
		SpeechResult:  strings.TrimSpace(form.Get("SpeechResult")),
		CallerState:   form.Get("CallerState"),
		CallerCountry: form.Get("CallerCountry"),
		CallerZip:     form.Get("CallerZip"),
	}
	if p.Caller == "" {
		p.Caller = strings.TrimSpace(form.Get("From"))
	}
	if p.Called == "" {
		p.Called = strings.TrimSpace(form.Get("To"))
	}
	return p
}

// Key is the session cache key of the call.
func (p CallParams) Key() string {
	return domain.CallKey(p.Caller, p.Called, p.CallSid)
}

// ConversationID is the transcript conversation of the call.
func (p CallParams) ConversationID() string {
	return "call_" + p.CallSid
}
