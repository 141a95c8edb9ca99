package apim

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

const maxDetailBody = 1024

var (
	// ErrPreconditionFailed is returned when an If-Match update lost a race.
	ErrPreconditionFailed = errors.New("subscription was modified concurrently")
	// ErrEmptyName is returned before any request when a resource name is blank.
	ErrEmptyName = errors.New("resource name must not be empty")
)

// StatusCode returns the ARM HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether ARM answered 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// Detail renders the ARM status and response body carried by err for API
// callers. It returns "" when err did not come from ARM.
func Detail(err error) string {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return ""
	}

	detail := fmt.Sprintf("ARM responded %d", respErr.StatusCode)
	if respErr.RawResponse == nil {
		return detail
	}
	body, perr := runtime.Payload(respErr.RawResponse)
	if perr != nil || len(body) == 0 {
		return detail
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxDetailBody {
		text = text[:maxDetailBody] + "..."
	}
	return detail + ": " + text
}
