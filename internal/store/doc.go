// Package store defines the run history repository interface. Implementations
// live in other packages; this package must not import database drivers.
package store
