package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrSessionActive      ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrEmailTaken         ErrCode = "EMAIL_TAKEN"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrConflict        ErrCode = "CONFLICT"
	ErrActionForbidden ErrCode = "ACTION_FORBIDDEN"

	// ─── Test content ──────────────────────────────────────────────────
	ErrTestNotPublished ErrCode = "TEST_NOT_PUBLISHED"
	ErrTestNotDraft     ErrCode = "TEST_NOT_DRAFT"
	ErrNoSections       ErrCode = "NO_SECTIONS"
	ErrInvalidTimeLimit ErrCode = "INVALID_TIME_LIMIT"

	// ─── Test taking ───────────────────────────────────────────────────
	ErrAttemptNotActive   ErrCode = "ATTEMPT_NOT_ACTIVE"
	ErrAttemptLive        ErrCode = "ATTEMPT_ALREADY_LIVE"
	ErrInvalidSubmission  ErrCode = "INVALID_SUBMISSION"
	ErrSubmissionNotFound ErrCode = "SUBMISSION_NOT_FOUND"
	ErrInvalidGrade       ErrCode = "INVALID_GRADE"
	ErrAlreadySubmitted   ErrCode = "ALREADY_SUBMITTED"

	// ─── Media ─────────────────────────────────────────────────────────
	ErrFileRequired    ErrCode = "FILE_REQUIRED"
	ErrUnsupportedFile ErrCode = "UNSUPPORTED_FILE_TYPE"
	ErrFileTooLarge    ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "Incorrect email or password."
	case ErrSessionActive:
		return "You are already signed in on another device."
	case ErrSessionInvalidated:
		return "Your session has ended. Please sign in again."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid or expired."
	case ErrEmailTaken:
		return "An account with this email already exists."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have access to this resource."
	case ErrPermissionDenied:
		return "Permission denied."
	case ErrStudentAccessOnly:
		return "This resource is limited to students."
	case ErrAdminAccessOnly:
		return "This resource is limited to administrators."

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
	case ErrActionForbidden:
		return "This action is not allowed."

	// ─── Test content ──────────────────────────────────────────────────
	case ErrTestNotPublished:
		return "This test is not published."
	case ErrTestNotDraft:
		return "Only draft tests can be changed."
	case ErrNoSections:
		return "The test has no sections."
	case ErrInvalidTimeLimit:
		return "Every timed section needs a positive time limit."

	// ─── Test taking ───────────────────────────────────────────────────
	case ErrAttemptNotActive:
		return "There is no active attempt for this test."
	case ErrAttemptLive:
		return "This attempt is already open in another window."
	case ErrInvalidSubmission:
		return "The submission was rejected. Please review your answers or contact support."
	case ErrSubmissionNotFound:
		return "Submission not found."
	case ErrInvalidGrade:
		return "The grade is outside the allowed range."
	case ErrAlreadySubmitted:
		return "This attempt has already been submitted."

	// ─── Media ─────────────────────────────────────────────────────────
	case ErrFileRequired:
		return "A file upload is required."
	case ErrUnsupportedFile:
		return "Unsupported file type."
	case ErrFileTooLarge:
		return "The file exceeds the size limit."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
