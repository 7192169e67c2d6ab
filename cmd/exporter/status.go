package exporter

import "fmt"

// Status is the outcome of a pipeline run. The declaration order is part of
// the integer encoding returned by Code and must not change.
type Status int

const (
	StatusUnknown Status = iota
	StatusFail
	StatusSuccess
	StatusBadUsername
	StatusBadPassword
	StatusException
	StatusBadLogin
	StatusUploading
	StatusWriting
)

type statusText struct {
	name    string
	title   string
	message string
}

var statusTexts = [...]statusText{
	StatusUnknown:     {"UNKNOWN", "Unknown", "Unknown error"},
	StatusFail:        {"FAIL", "Fail", "Fail"},
	StatusSuccess:     {"SUCCESS", "Success", "Upload Successful"},
	StatusBadUsername: {"BAD_USERNAME", "Fail", "Username not set"},
	StatusBadPassword: {"BAD_PASSWORD", "Fail", "Password not set and username not 'anonymous'"},
	StatusException:   {"EXCEPTION", "Fail", "Exception"},
	StatusBadLogin:    {"BAD_LOGIN", "Fail", "Login failed, check password?"},
	StatusUploading:   {"UPLOADING", "Working...", "Uploading File"},
	StatusWriting:     {"WRITING", "Working...", "Writing File "},
}

func (s Status) text() statusText {
	if s < 0 || int(s) >= len(statusTexts) {
		return statusTexts[StatusUnknown]
	}
	return statusTexts[s]
}

// String returns the status name, e.g. BAD_LOGIN
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusTexts) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return s.text().name
}

// Title returns the short dialog title for the status
func (s Status) Title() string {
	return s.text().title
}

// Message returns the human-readable message for the status
func (s Status) Message() string {
	return s.text().message
}

// Terminal reports whether the status ends a run
func (s Status) Terminal() bool {
	return s != StatusUploading && s != StatusWriting
}

// Code returns the status ordinal used by integer-coded progress channels
func (s Status) Code() int {
	return int(s)
}

// Kind classifies why a run did not succeed
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindIO
	KindProtocol
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindUnrecognized:
		return "unrecognized"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}
