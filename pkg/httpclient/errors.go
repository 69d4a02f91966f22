package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/oakmist/storefront/pkg/errors"
)

// upstreamErrorBody mirrors the structured error envelope returned by the
// storefront backend. Unstructured bodies are surfaced verbatim.
type upstreamErrorBody struct {
	Detail string `json:"detail"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx response and translates it
// into an AppError. The response body is fully consumed and closed. The raw
// body is preserved in the message so callers can surface backend validation
// payloads verbatim.
func ParseResponseError(resp *http.Response, upstream string) error {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", upstream, resp.StatusCode, err)
	}

	message := string(raw)
	var body upstreamErrorBody
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Error != nil && body.Error.Message != "":
			message = body.Error.Message
		case body.Detail != "":
			message = body.Detail
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	qualified := fmt.Sprintf("%s: %s", upstream, message)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return apperrors.InvalidInput(qualified)
	case http.StatusUnauthorized:
		return apperrors.Unauthorized(qualified)
	case http.StatusForbidden:
		return apperrors.Forbidden(qualified)
	case http.StatusNotFound:
		return apperrors.NotFound(upstream, message)
	case http.StatusConflict:
		return apperrors.Conflict(qualified)
	case http.StatusUnprocessableEntity:
		return apperrors.PaymentDeclined(qualified)
	case http.StatusServiceUnavailable:
		return apperrors.ServiceUnavailable(qualified)
	default:
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s server error (%d): %s", upstream, resp.StatusCode, message)
		}
		return &apperrors.AppError{
			Code:    "UPSTREAM_ERROR",
			Message: qualified,
			Status:  resp.StatusCode,
		}
	}
}
