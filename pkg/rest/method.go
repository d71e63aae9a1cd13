package rest

import "strings"

// Method is the closed set of request methods understood by the front end.
type Method int

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodPut
	MethodDelete
	MethodHead
	MethodOptions
)

var methodNames = map[Method]string{
	MethodUnknown: "UNKNOWN",
	MethodGet:     "GET",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodDelete:  "DELETE",
	MethodHead:    "HEAD",
	MethodOptions: "OPTIONS",
}

// ParseMethod maps a wire method string to a Method. Unrecognized strings
// map to MethodUnknown; transports reject those as invalid requests.
func ParseMethod(s string) Method {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "PUT":
		return MethodPut
	case "DELETE":
		return MethodDelete
	case "HEAD":
		return MethodHead
	case "OPTIONS":
		return MethodOptions
	default:
		return MethodUnknown
	}
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "UNKNOWN"
}

// IsValid reports whether m is a member of the closed method set.
func (m Method) IsValid() bool {
	return m > MethodUnknown && m <= MethodOptions
}
