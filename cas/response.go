// Package cas holds the CAS protocol side of the bridge: claim validation,
// the serviceResponse envelope in XML and JSON, and the error taxonomy.
package cas

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/beevik/etree"
)

// Namespace is the CAS XML namespace bound to the cas prefix.
const Namespace = "http://www.yale.edu/tp/cas"

// Format selects the envelope encoding.
type Format int

const (
	FormatXML Format = iota
	FormatJSON
)

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json; charset=utf-8"
	}
	return "application/xml; charset=utf-8"
}

// AuthenticationSuccess is the payload of a successful validation.
type AuthenticationSuccess struct {
	User       string         `json:"user"`
	Attributes map[string]any `json:"attributes"`
}

// AuthenticationFailure is the payload of a failed validation.
type AuthenticationFailure struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Response is exactly one of Success or Failure.
type Response struct {
	Success *AuthenticationSuccess
	Failure *AuthenticationFailure
}

// Success wraps s in a Response.
func Success(s AuthenticationSuccess) Response {
	return Response{Success: &s}
}

// Failure builds a failure Response.
func Failure(code, description string) Response {
	return Response{Failure: &AuthenticationFailure{Code: code, Description: description}}
}

type jsonServiceResponse struct {
	AuthenticationSuccess *AuthenticationSuccess `json:"authenticationSuccess,omitempty"`
	AuthenticationFailure *AuthenticationFailure `json:"authenticationFailure,omitempty"`
}

// MarshalJSON renders {"serviceResponse":{...}}.
func (r Response) MarshalJSON() ([]byte, error) {
	if (r.Success == nil) == (r.Failure == nil) {
		return nil, fmt.Errorf("cas response must carry exactly one of success or failure")
	}
	inner := jsonServiceResponse{AuthenticationFailure: r.Failure}
	if r.Success != nil {
		s := *r.Success
		if s.Attributes == nil {
			s.Attributes = map[string]any{}
		}
		inner.AuthenticationSuccess = &s
	}
	return json.Marshal(struct {
		ServiceResponse jsonServiceResponse `json:"serviceResponse"`
	}{inner})
}

// XML renders the pretty-printed cas:serviceResponse document.
func (r Response) XML() ([]byte, error) {
	if (r.Success == nil) == (r.Failure == nil) {
		return nil, fmt.Errorf("cas response must carry exactly one of success or failure")
	}
	doc := etree.NewDocument()
	root := doc.CreateElement("cas:serviceResponse")
	root.CreateAttr("xmlns:cas", Namespace)

	if r.Failure != nil {
		failure := root.CreateElement("cas:authenticationFailure")
		failure.CreateAttr("code", r.Failure.Code)
		failure.SetText(r.Failure.Description)
	} else {
		success := root.CreateElement("cas:authenticationSuccess")
		success.CreateElement("cas:user").SetText(r.Success.User)
		attrs := success.CreateElement("cas:attributes")
		names := make([]string, 0, len(r.Success.Attributes))
		for name := range r.Success.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := appendAttribute(attrs, XMLName(name), r.Success.Attributes[name]); err != nil {
				return nil, fmt.Errorf("attribute %q: %w", name, err)
			}
		}
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}

func appendAttribute(parent *etree.Element, name string, value any) error {
	if list, ok := value.([]any); ok {
		for _, item := range list {
			if err := appendAttribute(parent, name, item); err != nil {
				return err
			}
		}
		return nil
	}
	text, err := attributeText(value)
	if err != nil {
		return err
	}
	parent.CreateElement("cas:" + name).SetText(text)
	return nil
}

func attributeText(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// XMLName replaces every character that cannot appear in an XML element
// name with an underscore. Colons are replaced too since the cas prefix is
// added by the caller.
func XMLName(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r):
			b.WriteRune(r)
		case i > 0 && (r == '-' || r == '.' || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// NegotiateFormat picks JSON when the CAS format parameter asks for it or
// when Accept prefers application/json over XML. XML is the default.
func NegotiateFormat(r *http.Request) Format {
	switch strings.ToUpper(r.URL.Query().Get("format")) {
	case "JSON":
		return FormatJSON
	case "XML":
		return FormatXML
	}

	bestJSON, bestXML := -1.0, -1.0
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				q = parsed
			}
		}
		switch mediaType {
		case "application/json":
			bestJSON = max(bestJSON, q)
		case "application/xml", "text/xml":
			bestXML = max(bestXML, q)
		}
	}
	if bestJSON > 0 && bestJSON > bestXML {
		return FormatJSON
	}
	return FormatXML
}

// Write renders resp in format with status.
func Write(w http.ResponseWriter, status int, format Format, resp Response) error {
	var (
		body []byte
		err  error
	)
	if format == FormatJSON {
		body, err = json.MarshalIndent(resp, "", "  ")
	} else {
		body, err = resp.XML()
	}
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
