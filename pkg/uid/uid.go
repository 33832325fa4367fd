package uid

import "github.com/google/uuid"

// New generates an identifier for queue items, conflicts, requests and
// server-assigned entities.
func New() string {
	return uuid.New().String()
}
