package directory

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
)

// oDataDetails is the flattened view of a Graph OData error body.
type oDataDetails struct {
	Status  int
	Code    string
	Message string
}

func parseODataError(err error) oDataDetails {
	details := oDataDetails{Code: "UnknownError", Message: err.Error()}

	odataErr, ok := err.(*odataerrors.ODataError)
	if !ok {
		return details
	}

	details.Status = odataErr.ResponseStatusCode

	if mainErr := odataErr.GetErrorEscaped(); mainErr != nil {
		if mainErr.GetCode() != nil {
			details.Code = *mainErr.GetCode()
		}
		if mainErr.GetMessage() != nil {
			details.Message = *mainErr.GetMessage()
		}
	}

	return details
}

// classifyGraphError translates a Graph SDK error into the workflow error
// taxonomy. Not-found responses are classified transient because the common
// cause during provisioning is a freshly created object that has not
// propagated yet; the bounded retry ceilings keep a genuinely deleted object
// from looping forever.
func classifyGraphError(op string, err error) error {
	details := parseODataError(err)

	wrapped := fmt.Errorf("%s: %w", op, err)

	switch {
	case details.Status == http.StatusUnauthorized ||
		details.Code == "InvalidAuthenticationToken" ||
		details.Code == "ExpiredAuthenticationToken":
		return &identity.Error{
			Class:   identity.ClassAuthentication,
			Code:    details.Code,
			Message: "directory session expired or absent, reauthenticate and retry",
			Err:     wrapped,
		}

	case isAlreadyExists(details):
		return &identity.Error{
			Class:   identity.ClassAlreadyExists,
			Code:    details.Code,
			Message: details.Message,
			Err:     wrapped,
		}

	case details.Status == http.StatusNotFound || details.Code == "Request_ResourceNotFound":
		return &identity.Error{
			Class:   identity.ClassTransient,
			Code:    details.Code,
			Message: details.Message,
			Err:     fmt.Errorf("%s: %w", op, identity.ErrNotFound),
		}

	case details.Status == http.StatusTooManyRequests || details.Status >= 500:
		return &identity.Error{
			Class:   identity.ClassTransient,
			Code:    details.Code,
			Message: details.Message,
			Err:     wrapped,
		}

	default:
		return &identity.Error{
			Class:   identity.ClassPermanent,
			Code:    details.Code,
			Message: details.Message,
			Err:     wrapped,
		}
	}
}

// isAlreadyExists matches the shapes Graph uses for duplicate app-role
// grants. The directory signals duplicates through the error body, so this
// inspection replaces a pre-check read.
func isAlreadyExists(details oDataDetails) bool {
	if details.Code == "Request_MultipleObjectsWithSameKeyValue" {
		return true
	}
	msg := strings.ToLower(details.Message)
	return strings.Contains(msg, "already exist")
}
