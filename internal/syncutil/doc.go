// Package syncutil provides concurrent map and keyed locking primitives.
package syncutil
