package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

var (
	// ErrIndexUnavailable wraps any failure to fetch or decode the title index.
	ErrIndexUnavailable = errors.New("title index unavailable")
	// ErrUnknownTitle is returned when a single-title scope names a title that
	// is absent from the index or reserved.
	ErrUnknownTitle = errors.New("unknown title")
)

// Index is the decoded title index with reserved titles split out.
type Index struct {
	Titles   []ecfr.TitleInfo
	Active   map[string]string
	Reserved []string
}

// ActiveNumbers returns the non-reserved title numbers in numeric order.
func (i Index) ActiveNumbers() []string {
	out := make([]string, 0, len(i.Active))
	for number := range i.Active {
		out = append(out, number)
	}
	ecfr.SortTitles(out)
	return out
}

// FetchIndex downloads the title index and maps every non-reserved title to
// its snapshot id.
func FetchIndex(ctx context.Context, src ecfr.Source, logger *zap.Logger) (Index, error) {
	titles, err := src.Index(ctx)
	if err != nil {
		return Index{}, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	idx := Index{
		Titles: titles,
		Active: make(map[string]string, len(titles)),
	}
	for _, t := range titles {
		if t.Reserved {
			idx.Reserved = append(idx.Reserved, t.Number)
			continue
		}
		idx.Active[t.Number] = t.SnapshotID
	}
	ecfr.SortTitles(idx.Reserved)
	logger.Info("title index fetched",
		zap.Int("total", len(titles)),
		zap.Int("reserved", len(idx.Reserved)),
		zap.Strings("reserved_titles", idx.Reserved),
	)
	return idx, nil
}
