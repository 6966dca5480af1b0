package graphql

import (
	"errors"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"gateway/internal/gateway"
)

// Extension codes for failures raised before any resolver runs.
const (
	CodeParseFailed      = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
)

// Request is an incoming GraphQL operation.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is the result of one execution, or of one subscription event.
type Response struct {
	Data   any      `json:"data"`
	Errors []*Error `json:"errors,omitempty"`
}

// HasErrors reports whether the response carries any error.
func (r *Response) HasErrors() bool { return len(r.Errors) > 0 }

// Error is a GraphQL error entry.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Location points into the query document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func errorResponse(errs ...*Error) *Response {
	return &Response{Errors: errs}
}

func newError(message, code string) *Error {
	return &Error{Message: message, Extensions: map[string]any{"code": code}}
}

// fromGQLErrors converts parser and validator errors.
func fromGQLErrors(list gqlerror.List, code string) []*Error {
	out := make([]*Error, 0, len(list))
	for _, e := range list {
		ge := newError(e.Message, code)
		for _, l := range e.Locations {
			ge.Locations = append(ge.Locations, Location{Line: l.Line, Column: l.Column})
		}
		out = append(out, ge)
	}
	return out
}

// fromResolveError converts an engine failure. Only the public message and
// extensions of a *gateway.Error reach the client.
func fromResolveError(err error, path []any, loc Location) *Error {
	out := &Error{
		Locations:  []Location{loc},
		Path:       path,
		Extensions: map[string]any{},
	}

	var ge *gateway.Error
	if errors.As(err, &ge) {
		out.Message = ge.Message
		if out.Message == "" && ge.Kind != nil {
			out.Message = ge.Kind.Error()
		}
		for k, v := range ge.Extensions {
			out.Extensions[k] = v
		}
		out.Extensions["code"] = ge.Code
		return out
	}

	out.Message = err.Error()
	out.Extensions["code"] = gateway.CodeInternalServerError
	return out
}
