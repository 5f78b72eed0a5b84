package transport

import (
	"encoding/json"
	"fmt"
	"slices"
)

// apiErrorBody mirrors the OData error envelope the service returns on
// every rejection.
type apiErrorBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			RequestID string `json:"request-id"`
		} `json:"innererror"`
	} `json:"error"`
}

// Interpret resolves an Envelope against the caller's status expectations.
//
// If the status is one the caller expects, the body is decoded into v (pass
// nil for bodyless responses); a body that fails to decode is a DecodeError.
// Any other status is interpreted as a service rejection and returned as
// *APIError carrying the error code and message from the body. A rejection
// whose body is not the documented error shape still yields *APIError with
// the raw body as the message, never a DecodeError: the server said no, and
// how legibly it said so is secondary.
func Interpret(env *Envelope, v any, expect ...int) error {
	if slices.Contains(expect, env.StatusCode) {
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(env.Body, v); err != nil {
			return &DecodeError{StatusCode: env.StatusCode, Err: err}
		}

		return nil
	}

	return errorFrom(env)
}

// errorFrom builds the *APIError for an unexpected status.
func errorFrom(env *Envelope) error {
	apiErr := &APIError{
		StatusCode: env.StatusCode,
		RequestID:  env.RequestID(),
		Err:        classifyStatus(env.StatusCode),
	}

	var body apiErrorBody
	if json.Unmarshal(env.Body, &body) == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message

		if apiErr.RequestID == "" {
			apiErr.RequestID = body.Error.InnerError.RequestID
		}

		return apiErr
	}

	apiErr.Message = truncateBody(env.Body)

	return apiErr
}

const maxErrorBody = 512

func truncateBody(b []byte) string {
	if len(b) == 0 {
		return "(empty body)"
	}

	if len(b) > maxErrorBody {
		return fmt.Sprintf("%s... (%d bytes)", b[:maxErrorBody], len(b))
	}

	return string(b)
}
