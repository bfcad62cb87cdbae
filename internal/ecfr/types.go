// Package ecfr defines core types shared across subsystems.
package ecfr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// TimestampLayout formats the fetched timestamps persisted in metadata documents.
const TimestampLayout = "2006-01-02 15:04:05"

// TitleInfo is one entry of the remote title index.
type TitleInfo struct {
	Number     string
	SnapshotID string
	Reserved   bool
}

// FetchMeta is persisted next to each title so later runs can skip unchanged snapshots.
type FetchMeta struct {
	SnapshotID string `json:"snapshot_id"`
	Fetched    string `json:"fetched"`
	Checksum   string `json:"checksum,omitempty"`
}

// UnmarshalJSON accepts both the snapshot_id key and the older snapshot key.
func (m *FetchMeta) UnmarshalJSON(data []byte) error {
	var raw struct {
		SnapshotID *string `json:"snapshot_id"`
		Snapshot   *string `json:"snapshot"`
		Fetched    string  `json:"fetched"`
		Checksum   string  `json:"checksum"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode fetch meta: %w", err)
	}
	m.Fetched = raw.Fetched
	m.Checksum = raw.Checksum
	m.SnapshotID = ""
	switch {
	case raw.SnapshotID != nil:
		m.SnapshotID = *raw.SnapshotID
	case raw.Snapshot != nil:
		m.SnapshotID = *raw.Snapshot
	}
	return nil
}

// GlobalMeta summarizes the most recent index fetch.
type GlobalMeta struct {
	NumTitles            int    `json:"num_titles"`
	NumTitlesNonReserved int    `json:"num_titles_non_reserved"`
	Fetched              string `json:"fetched"`
}

// TitleState is what the local store knows about one title. MetaErr is set
// when the metadata document exists but could not be read or decoded.
type TitleState struct {
	DataPresent bool
	Meta        *FetchMeta
	MetaErr     error
}

// TitleDocument bundles the raw documents persisted for one title.
type TitleDocument struct {
	Number    string
	Structure []byte
	Versions  []byte
	Meta      FetchMeta
}

// TitleJob is a unit of work for the title fetch workers.
type TitleJob struct {
	RunID      string
	RunUUID    [16]byte
	Number     string
	SnapshotID string
}

// TitleResult reports the outcome of one TitleJob.
type TitleResult struct {
	Number     string
	SnapshotID string
	Document   TitleDocument
	Bytes      int64
	Duration   time.Duration
	Err        error
}

// OK reports whether the title was fetched and persisted.
func (r TitleResult) OK() bool {
	return r.Err == nil
}

// Corpus is the merged, in-memory view of every persisted title.
type Corpus struct {
	Regulations map[string]Node
	Versions    map[string][]any
}

// EventSnapshotRefreshed is the event type of SnapshotNotification messages.
const EventSnapshotRefreshed = "snapshot.refreshed"

// SnapshotNotification is published after a refreshed snapshot is loaded.
type SnapshotNotification struct {
	RunID     string `json:"run_id"`
	Generated int64  `json:"generated"`
	Titles    int    `json:"titles"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Agencies  int    `json:"agencies"`
}

// EventType implements publisher.Typed.
func (SnapshotNotification) EventType() string { return EventSnapshotRefreshed }

// FetchRequest describes a single HTTP GET against the remote API.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse captures the payload of a FetchRequest.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// StatusError reports a non-2xx answer from the remote API.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// AsStatusError unwraps err into a StatusError when possible.
func AsStatusError(err error) (*StatusError, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}
