package ingest

import (
	"sort"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

// Merge combines the documents fetched in this run with documents carried
// over from earlier runs. Failed results are dropped and a fresh document
// replaces a carried one for the same title. Output is in title order.
func Merge(fresh []ecfr.TitleResult, carried []ecfr.TitleDocument) []ecfr.TitleDocument {
	byTitle := make(map[string]ecfr.TitleDocument, len(fresh)+len(carried))
	for _, doc := range carried {
		byTitle[doc.Number] = doc
	}
	for _, r := range fresh {
		if !r.OK() {
			continue
		}
		doc := r.Document
		if doc.Number == "" {
			doc.Number = r.Number
		}
		byTitle[doc.Number] = doc
	}
	out := make([]ecfr.TitleDocument, 0, len(byTitle))
	for _, doc := range byTitle {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		return ecfr.TitleLess(out[i].Number, out[j].Number)
	})
	return out
}
