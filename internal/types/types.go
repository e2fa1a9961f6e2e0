// Package types contains small generic building blocks used across the stack packages.
package types

// ContextKey is the type of context keys declared by the stack packages.
type ContextKey string
