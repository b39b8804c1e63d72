package types

const (
	ErrInvalidInput  = "Invalid input"
	ErrDatabaseError = "Database error"
	ErrUnauthorized  = "Unauthorized access"
	ErrNotFound      = "Record not found"
	ErrInternalError = "internal server error"
)
