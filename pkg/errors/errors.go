package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

var ErrMissingEventName = fmt.Errorf("missing event name")
var ErrInvalidHandler = fmt.Errorf("invalid handler")

var ErrInvalidIdentifier = fmt.Errorf("invalid identifier")
var ErrIdentifierImmutable = fmt.Errorf("identifier is immutable")
var ErrNotImplemented = fmt.Errorf("not implemented")
var ErrNoURLConfigured = fmt.Errorf("no url configured (%w)", ErrNotImplemented)
var ErrEntityIsNew = fmt.Errorf("entity is new")
var ErrEntityDestroyed = fmt.Errorf("entity is destroyed")
var ErrIncompatibleMember = fmt.Errorf("incompatible member")

var ErrServerIdentifierMismatch = fmt.Errorf("server identifier mismatch")
var ErrDuplicateIdentifier = fmt.Errorf("duplicate identifier")
var ErrUnexpectedResponseStatus = fmt.Errorf("unexpected response status")
var ErrMalformedResponseBody = fmt.Errorf("malformed response body")

var ErrInternal = fmt.Errorf("internal error")
var ErrRequest = fmt.Errorf("request error")
var ErrBadResponse = fmt.Errorf("bad response")

type myError struct {
	msg    string
	target error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }

func NewInvalidIdentifierError(id any) error {
	return &myError{
		msg:    fmt.Sprintf("identifier %v (%T) is neither a string nor a non-negative integer", id, id),
		target: ErrInvalidIdentifier,
	}
}

func NewIdentifierImmutableError(current, next any) error {
	return &myError{
		msg:    fmt.Sprintf("identifier %v can not be changed to %v", current, next),
		target: ErrIdentifierImmutable,
	}
}

func NewServerIdentifierMismatchError(local, remote any) error {
	return &myError{
		msg:    fmt.Sprintf("server returned identifier %v for entity %v", remote, local),
		target: ErrServerIdentifierMismatch,
	}
}

func NewDuplicateIdentifierError(id any, kind string) error {
	return &myError{
		msg:    fmt.Sprintf("another %s already has identifier %v", kind, id),
		target: ErrDuplicateIdentifier,
	}
}

func NewMalformedResponseBodyError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrMalformedResponseBody,
	}
}

func NewIncompatibleMemberError(kind, expected string) error {
	return &myError{
		msg:    fmt.Sprintf("entity of kind %s can not join a set of %s", kind, expected),
		target: ErrIncompatibleMember,
	}
}

// StatusError is returned when a remote peer answers with a non successful
// status code. Detail is filled in from an RFC 7807 problem report if the
// peer sent one.
type StatusError struct {
	Code   int
	Type   string
	Detail string
}

func (se *StatusError) Error() string {
	if se.Detail != "" {
		return fmt.Sprintf("unexpected response code %d: %s", se.Code, se.Detail)
	}
	return fmt.Sprintf("unexpected response code %d", se.Code)
}

func (se *StatusError) Is(target error) bool { return target == ErrUnexpectedResponseStatus }

// StatusCode returns the status code carried by an ErrUnexpectedResponseStatus,
// or 0 if err does not carry one
func StatusCode(err error) int {
	var se *StatusError
	if As(err, &se) {
		return se.Code
	}
	return 0
}

func NewErrorFromProblemReport(code int, contentType string, body []byte) error {
	se := &StatusError{Code: code}

	if !strings.HasPrefix(contentType, ProblemReportContentType) || len(body) == 0 {
		return se
	}

	report := &struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}{}

	if err := json.Unmarshal(body, report); err != nil {
		se.Detail = fmt.Sprintf("failed to process problem report: %s", err.Error())
		return se
	}

	se.Type = report.Type
	se.Detail = report.Detail
	if se.Detail == "" {
		se.Detail = report.Title
	}

	return se
}

const (
	//ProblemReportContentType as required by https://tools.ietf.org/html/rfc7807
	ProblemReportContentType string = "application/problem+json"
)

//ProblemDetails stores details about a certain problem according to RFC7807
//See https://tools.ietf.org/html/rfc7807
type ProblemDetails struct {
	typ    string
	title  string
	detail string
	code   int
}

//NewProblemReport creates a problem report that can be written to a http.ResponseWriter
func NewProblemReport(code int, typ, title, detail string) *ProblemDetails {
	return &ProblemDetails{
		typ:    typ,
		title:  title,
		detail: detail,
		code:   code,
	}
}

//NewNotFound creates a problem report for a resource that does not exist
func NewNotFound(detail string) *ProblemDetails {
	return NewProblemReport(http.StatusNotFound, "about:blank", "Not Found", detail)
}

//NewBadRequestData creates a problem report for input data that does not meet the requirements
func NewBadRequestData(detail string) *ProblemDetails {
	return NewProblemReport(http.StatusBadRequest, "about:blank", "Bad Request Data", detail)
}

//NewAlreadyExists creates a problem report for an attempt to create an existing resource
func NewAlreadyExists(detail string) *ProblemDetails {
	return NewProblemReport(http.StatusConflict, "about:blank", "Already Exists", detail)
}

//NewInternalError creates a problem report for a failure that is not the fault of the client
func NewInternalError(detail string) *ProblemDetails {
	return NewProblemReport(http.StatusInternalServerError, "about:blank", "Internal Error", detail)
}

//ContentType returns the ContentType to be used when returning this problem
func (p *ProblemDetails) ContentType() string {
	return ProblemReportContentType
}

//MarshalJSON is called when a ProblemDetails instance should be serialized to JSON
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}{
		Type:   p.typ,
		Title:  p.title,
		Detail: p.detail,
	})
}

//ResponseCode returns the HTTP response code to be used when returning a specific problem
func (p *ProblemDetails) ResponseCode() int {
	if p.code != 0 {
		return p.code
	}

	return http.StatusBadRequest
}

//WriteResponse writes the contents of this instance to a http.ResponseWriter
func (p *ProblemDetails) WriteResponse(w http.ResponseWriter) {
	w.Header().Add("Content-Type", p.ContentType())
	w.Header().Add("Content-Language", "en")
	w.WriteHeader(p.ResponseCode())

	pdbytes, err := json.MarshalIndent(p, "", "  ")
	if err == nil {
		w.Write(pdbytes)
	}
}
