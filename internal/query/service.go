// Package query serves metrics, search and section lookups from an immutable
// in-memory snapshot that is replaced atomically on reload.
package query

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/metrics"
)

// Search parameter bounds.
const (
	MinQueryLength = 3
	MaxQueryLength = 60
	DefaultLimit   = 25
	MaxLimit       = 100
)

var (
	// ErrInvalidQuery is returned for out-of-range search parameters.
	ErrInvalidQuery = errors.New("invalid search parameters")
	// ErrNotReady is returned for metrics before any snapshot is loaded.
	ErrNotReady = errors.New("no snapshot loaded")
	// ErrTitleNotFound is returned when the requested title is not loaded.
	ErrTitleNotFound = fmt.Errorf("title %w", ecfr.ErrNotFound)
	// ErrSectionNotFound is returned when no section matches the identifier.
	ErrSectionNotFound = fmt.Errorf("section %w", ecfr.ErrNotFound)
)

// Snapshot is one immutable generation of served state.
type Snapshot struct {
	RunID       string
	Regulations map[string]ecfr.Node
	// Titles lists the loaded titles in numeric order.
	Titles   []string
	Metrics  ecfr.Metrics
	LoadedAt time.Time
}

// NewSnapshot bundles a corpus and its metrics.
func NewSnapshot(runID string, corpus ecfr.Corpus, m ecfr.Metrics, loadedAt time.Time) *Snapshot {
	regs := corpus.Regulations
	if regs == nil {
		regs = map[string]ecfr.Node{}
	}
	titles := make([]string, 0, len(regs))
	for title := range regs {
		titles = append(titles, title)
	}
	ecfr.SortTitles(titles)
	return &Snapshot{
		RunID:       runID,
		Regulations: regs,
		Titles:      titles,
		Metrics:     m,
		LoadedAt:    loadedAt,
	}
}

// SearchHit is one matching section.
type SearchHit struct {
	Title      string `json:"title"`
	Identifier string `json:"identifier"`
	Label      string `json:"label"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Query   string      `json:"query"`
	Offset  int         `json:"offset"`
	Limit   int         `json:"limit"`
	Total   int         `json:"total"`
	Results []SearchHit `json:"results"`
}

// Service answers queries against the current snapshot. Reads never block on
// a swap.
type Service struct {
	current atomic.Pointer[Snapshot]
	loaded  atomic.Bool
	logger  *zap.Logger
}

// New returns a Service holding an empty snapshot.
func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger}
	s.current.Store(NewSnapshot("", ecfr.Corpus{}, ecfr.Metrics{}, time.Time{}))
	return s
}

// Swap installs snap as the served state.
func (s *Service) Swap(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.current.Store(snap)
	s.loaded.Store(true)
	metrics.ObserveSnapshot(len(snap.Titles), snap.LoadedAt)
	s.logger.Info("snapshot loaded",
		zap.String("run_id", snap.RunID),
		zap.Int("titles", len(snap.Titles)),
		zap.Int("agencies", len(snap.Metrics.WordCountPerAgency)),
	)
}

// Current returns the snapshot being served.
func (s *Service) Current() *Snapshot {
	return s.current.Load()
}

// Ready reports whether a snapshot has been loaded.
func (s *Service) Ready() bool {
	return s.loaded.Load()
}

// Metrics returns the metrics document of the current snapshot.
func (s *Service) Metrics() (ecfr.Metrics, error) {
	if !s.Ready() {
		return ecfr.Metrics{}, ErrNotReady
	}
	return s.Current().Metrics, nil
}

// ValidateSearch checks search parameters against the accepted ranges.
func ValidateSearch(query string, offset, limit int) error {
	n := utf8.RuneCountInString(query)
	switch {
	case n < MinQueryLength || n > MaxQueryLength:
		return fmt.Errorf("%w: query must be between %d and %d characters", ErrInvalidQuery, MinQueryLength, MaxQueryLength)
	case offset < 0:
		return fmt.Errorf("%w: offset must be >= 0", ErrInvalidQuery)
	case limit < 1 || limit > MaxLimit:
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxLimit)
	}
	return nil
}

// Search returns sections whose label contains query, ignoring case. Matches
// are ordered by title number, then document order within the title.
func (s *Service) Search(query string, offset, limit int) (SearchPage, error) {
	if err := ValidateSearch(query, offset, limit); err != nil {
		return SearchPage{}, err
	}
	snap := s.Current()
	needle := strings.ToLower(query)
	page := SearchPage{Query: query, Offset: offset, Limit: limit, Results: []SearchHit{}}
	for _, title := range snap.Titles {
		ecfr.Sections(snap.Regulations[title], func(sec *ecfr.Section) bool {
			if !strings.Contains(strings.ToLower(sec.Label), needle) {
				return true
			}
			if page.Total >= offset && len(page.Results) < limit {
				page.Results = append(page.Results, SearchHit{
					Title:      title,
					Identifier: sec.Identifier,
					Label:      sec.Label,
				})
			}
			page.Total++
			return true
		})
	}
	return page, nil
}

// Section returns the first section of title whose identifier equals id.
func (s *Service) Section(title, id string) (*ecfr.Section, error) {
	snap := s.Current()
	root, ok := snap.Regulations[title]
	if !ok {
		return nil, ErrTitleNotFound
	}
	var found *ecfr.Section
	ecfr.Sections(root, func(sec *ecfr.Section) bool {
		if sec.Identifier == id {
			found = sec
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrSectionNotFound
	}
	return found, nil
}
