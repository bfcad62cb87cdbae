// Package storage lays the mirrored eCFR documents out on top of a blob backend
// (local filesystem, GCS or memory).
package storage
