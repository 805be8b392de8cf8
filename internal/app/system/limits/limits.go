// internal/app/system/limits/limits.go
package limits

// Request size limits for the API.
const (
	// MaxJSONBody is the largest request body DecodeJSON reads.
	MaxJSONBody = 1 << 20 // 1 MB

	// MaxIDsPerList caps one id list in a request body (member_ids,
	// student_ids, ...). A reconcile loads every listed document.
	MaxIDsPerList = 5000
)
