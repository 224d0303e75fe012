package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden           ErrCode = "FORBIDDEN"
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrNetworkNotAllowed   ErrCode = "NETWORK_NOT_ALLOWED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Assessment-specific ───────────────────────────────────────────
	ErrAssessmentNotFound ErrCode = "ASSESSMENT_NOT_FOUND"
	ErrInvalidEntryToken  ErrCode = "INVALID_ENTRY_TOKEN"
	ErrSessionNotFound    ErrCode = "SESSION_NOT_FOUND"
	ErrSessionClosed      ErrCode = "SESSION_CLOSED"
	ErrNotSessionOwner    ErrCode = "NOT_SESSION_OWNER"
	ErrSessionNotStarted  ErrCode = "SESSION_NOT_STARTED"
	ErrSessionInUse       ErrCode = "SESSION_IN_USE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal    ErrCode = "INTERNAL_ERROR"
	ErrUnavailable ErrCode = "SERVICE_UNAVAILABLE"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrCandidateAccessOnly:
		return "This resource is restricted to candidates."
	case ErrProctorAccessOnly:
		return "This resource is restricted to proctors."
	case ErrNetworkNotAllowed:
		return "Your network is not allowed to take this assessment."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource already exists."

	// ─── Assessment-specific ───────────────────────────────────────────
	case ErrAssessmentNotFound:
		return "Assessment not found."
	case ErrInvalidEntryToken:
		return "Invalid assessment entry token."
	case ErrSessionNotFound:
		return "Exam session not found."
	case ErrSessionClosed:
		return "This exam session has already ended."
	case ErrNotSessionOwner:
		return "This exam session belongs to another candidate."
	case ErrSessionNotStarted:
		return "The exam has not started yet. Complete the system check first."
	case ErrSessionInUse:
		return "This exam is already open on another device."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	case ErrUnavailable:
		return "The service is shutting down. Please reconnect shortly."
	default:
		return "An unexpected error occurred."
	}
}
