package voice

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// Response is a TwiML document. Verbs render in order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	Timeout       string   `xml:"timeout,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	SpeechModel   string   `xml:"speechModel,attr,omitempty"`
	Enhanced      string   `xml:"enhanced,attr,omitempty"`
	Verbs         []any
}

type Dial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func (r *Response) add(verbs ...any) *Response {
	r.Verbs = append(r.Verbs, verbs...)
	return r
}

// Render returns the document with the XML declaration.
func (r *Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("voice: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Ends reports whether the document hangs up or hands the call off.
func (r *Response) Ends() bool {
	for _, v := range r.Verbs {
		switch v.(type) {
		case Hangup, Dial:
			return true
		}
	}
	return false
}

func newGather(action string, timeoutSeconds int, nested ...any) Gather {
	return Gather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		Timeout:       strconv.Itoa(timeoutSeconds),
		SpeechTimeout: "auto",
		SpeechModel:   "experimental_conversations",
		Enhanced:      "true",
		Verbs:         nested,
	}
}
