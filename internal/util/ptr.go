package util

// Ptr returns a pointer to v, for optional fields set from expressions
func Ptr[T any](v T) *T {
	return &v
}
