package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNotSignedIn is returned by calls that need a session when there is none.
var ErrNotSignedIn = errors.New("not signed in")

// APIError is a non-2xx response from the backend. Its message carries the
// backend's own wording so failures can be classified by vocabulary.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Error implements error.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("backend %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("backend %d: %s", e.Status, msg)
}

// authErrorBody covers the auth endpoint's error shapes.
type authErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
}

// decodeError reads an error response. Bodies that are not JSON become the
// message verbatim.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	if len(body) == 0 {
		return apiErr
	}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = string(body)
		return apiErr
	}
	if apiErr.Message == "" {
		var ae authErrorBody
		if json.Unmarshal(body, &ae) == nil {
			switch {
			case ae.ErrorDescription != "":
				apiErr.Message = ae.ErrorDescription
			case ae.Msg != "":
				apiErr.Message = ae.Msg
			}
			if apiErr.Code == "" {
				apiErr.Code = ae.Error
			}
		}
	}
	return apiErr
}
