// Package analytics derives the aggregate metrics document from a corpus.
package analytics

import (
	"context"
	"fmt"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

// Aggregate computes word counts per agency and change counts per year.
// Malformed nodes and version records are skipped.
func Aggregate(corpus ecfr.Corpus, generated time.Time) ecfr.Metrics {
	words := make(map[string]int)
	for _, root := range corpus.Regulations {
		ecfr.Sections(root, func(s *ecfr.Section) bool {
			words[s.Agency()] += countWords(s.Text())
			return true
		})
	}

	changes := make(map[string]int)
	for _, records := range corpus.Versions {
		for _, raw := range records {
			rec, ok := ecfr.ParseVersionRecord(raw)
			if !ok {
				continue
			}
			changes[rec.Year]++
		}
	}
	return ecfr.NewMetrics(generated.Unix(), words, changes)
}

// countWords counts maximal runs of letters, numbers and underscores. Numbers
// include every Unicode numeric category, so "½" and "²" extend a word.
func countWords(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) {
			if !inWord {
				n++
				inWord = true
			}
			continue
		}
		inWord = false
	}
	return n
}

// Store is the persistence the Analyzer reads from and writes to.
type Store interface {
	LoadCorpus(ctx context.Context) (ecfr.Corpus, error)
	SaveMetrics(ctx context.Context, m ecfr.Metrics) error
}

// Analyzer loads the persisted corpus, aggregates it and persists metrics.
type Analyzer struct {
	store  Store
	clock  ecfr.Clock
	logger *zap.Logger
}

// NewAnalyzer wires an Analyzer.
func NewAnalyzer(store Store, clock ecfr.Clock, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{store: store, clock: clock, logger: logger}
}

// Run recomputes metrics from scratch and returns them with the corpus they
// were derived from.
func (a *Analyzer) Run(ctx context.Context) (ecfr.Corpus, ecfr.Metrics, error) {
	ctx, span := otel.Tracer("github.com/JakeFAU/ecfr-mirror/internal/analytics").Start(ctx, "analytics.aggregate")
	defer span.End()

	corpus, err := a.store.LoadCorpus(ctx)
	if err != nil {
		return ecfr.Corpus{}, ecfr.Metrics{}, fmt.Errorf("load corpus: %w", err)
	}
	m := Aggregate(corpus, a.clock.Now())
	if err := a.store.SaveMetrics(ctx, m); err != nil {
		return ecfr.Corpus{}, ecfr.Metrics{}, fmt.Errorf("save metrics: %w", err)
	}
	span.SetAttributes(
		attribute.Int("ecfr.titles", len(corpus.Regulations)),
		attribute.Int("ecfr.agencies", len(m.WordCountPerAgency)),
		attribute.Int("ecfr.years", len(m.ChangesPerYear)),
	)
	a.logger.Info("metrics computed",
		zap.Int("titles", len(corpus.Regulations)),
		zap.Int("agencies", len(m.WordCountPerAgency)),
		zap.Int("years", len(m.ChangesPerYear)),
	)
	return corpus, m, nil
}
