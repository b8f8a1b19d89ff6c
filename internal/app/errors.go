package app

import "fmt"

// Send rejection reasons. NotAuthenticated is never retried by this
// layer; the other reasons leave the caller's input intact for retry.
const (
	ReasonNotAuthenticated = "NOT_AUTHENTICATED"
	ReasonAttachmentUpload = "ATTACHMENT_UPLOAD"
	ReasonRejected         = "SEND_REJECTED"
)

// SendError reports a rejected outbound message.
type SendError struct {
	Reason  string
	Message string
	Err     error
}

func (e *SendError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func sendError(reason, message string, err error) *SendError {
	return &SendError{
		Reason:  reason,
		Message: message,
		Err:     err,
	}
}
