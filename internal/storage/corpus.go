package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

const contentTypeJSON = "application/json"

// Document names relative to the store prefix.
const (
	GlobalMetaKey  = "meta.json"
	RegulationsKey = "regulations.json"
	VersionsKey    = "versions.json"
	MetricsKey     = "metrics.json"
)

// CorpusStore persists per-title documents, the merged corpus and the metrics
// document. Every write replaces one whole object.
type CorpusStore struct {
	blobs  ecfr.BlobStore
	prefix string
	logger *zap.Logger
}

// NewCorpusStore wraps a blob backend. prefix may be empty.
func NewCorpusStore(blobs ecfr.BlobStore, prefix string, logger *zap.Logger) *CorpusStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorpusStore{blobs: blobs, prefix: prefix, logger: logger}
}

// StructureKey names the structure document of a title.
func StructureKey(title string) string { return "titles/title-" + title + ".json" }

// VersionsDocKey names the versions document of a title.
func VersionsDocKey(title string) string { return "titles/title-" + title + "-versions.json" }

// MetaKey names the fetch metadata document of a title.
func MetaKey(title string) string { return "titles/title-" + title + "-meta.json" }

func (s *CorpusStore) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *CorpusStore) put(ctx context.Context, name string, data []byte) error {
	if _, err := s.blobs.PutObject(ctx, s.key(name), contentTypeJSON, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

func (s *CorpusStore) get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.blobs.GetObject(ctx, s.key(name))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	return data, nil
}

// SaveTitle writes the structure and versions documents, then the metadata.
// The metadata goes last so an interrupted save is re-fetched next run.
func (s *CorpusStore) SaveTitle(ctx context.Context, doc ecfr.TitleDocument) error {
	if doc.Number == "" {
		return fmt.Errorf("save title: number is required")
	}
	if err := s.put(ctx, StructureKey(doc.Number), doc.Structure); err != nil {
		return fmt.Errorf("save title %s: %w", doc.Number, err)
	}
	if err := s.put(ctx, VersionsDocKey(doc.Number), doc.Versions); err != nil {
		return fmt.Errorf("save title %s: %w", doc.Number, err)
	}
	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("encode meta for title %s: %w", doc.Number, err)
	}
	if err := s.put(ctx, MetaKey(doc.Number), meta); err != nil {
		return fmt.Errorf("save title %s: %w", doc.Number, err)
	}
	return nil
}

// TitleState reports which local documents exist for title. Backend errors on
// the data documents are logged and reported as missing data.
func (s *CorpusStore) TitleState(ctx context.Context, title string) ecfr.TitleState {
	var state ecfr.TitleState
	present := true
	for _, name := range []string{StructureKey(title), VersionsDocKey(title)} {
		ok, err := s.blobs.Exists(ctx, s.key(name))
		if err != nil {
			s.logger.Warn("stat title document failed", zap.String("title", title), zap.String("key", name), zap.Error(err))
		}
		if !ok || err != nil {
			present = false
			break
		}
	}
	state.DataPresent = present

	raw, err := s.get(ctx, MetaKey(title))
	switch {
	case errors.Is(err, ecfr.ErrObjectNotFound):
		return state
	case err != nil:
		state.MetaErr = err
		return state
	}
	var meta ecfr.FetchMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		state.MetaErr = fmt.Errorf("decode meta for title %s: %w", title, err)
		return state
	}
	state.Meta = &meta
	return state
}

// LoadTitle reads the persisted documents of title. Missing metadata is
// tolerated; missing data documents are not.
func (s *CorpusStore) LoadTitle(ctx context.Context, title string) (ecfr.TitleDocument, error) {
	doc := ecfr.TitleDocument{Number: title}
	var err error
	if doc.Structure, err = s.get(ctx, StructureKey(title)); err != nil {
		return ecfr.TitleDocument{}, fmt.Errorf("load title %s: %w", title, err)
	}
	if doc.Versions, err = s.get(ctx, VersionsDocKey(title)); err != nil {
		return ecfr.TitleDocument{}, fmt.Errorf("load title %s: %w", title, err)
	}
	raw, err := s.get(ctx, MetaKey(title))
	if err == nil {
		if decodeErr := json.Unmarshal(raw, &doc.Meta); decodeErr != nil {
			s.logger.Warn("ignoring unreadable title meta", zap.String("title", title), zap.Error(decodeErr))
		}
	}
	return doc, nil
}

// SaveGlobalMeta writes meta.json.
func (s *CorpusStore) SaveGlobalMeta(ctx context.Context, meta ecfr.GlobalMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode global meta: %w", err)
	}
	return s.put(ctx, GlobalMetaKey, data)
}

// LoadGlobalMeta reads meta.json.
func (s *CorpusStore) LoadGlobalMeta(ctx context.Context) (ecfr.GlobalMeta, error) {
	var meta ecfr.GlobalMeta
	raw, err := s.get(ctx, GlobalMetaKey)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode global meta: %w", err)
	}
	return meta, nil
}

// SaveCorpus replaces regulations.json and versions.json with the given titles,
// keyed by title number in numeric order. Structure documents are embedded
// verbatim; versions documents are reduced to their record list.
func (s *CorpusStore) SaveCorpus(ctx context.Context, docs []ecfr.TitleDocument) error {
	sorted := append([]ecfr.TitleDocument(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ecfr.TitleLess(sorted[i].Number, sorted[j].Number)
	})

	var regs, vers bytes.Buffer
	regs.WriteByte('{')
	vers.WriteByte('{')
	for i, doc := range sorted {
		if !json.Valid(doc.Structure) {
			return fmt.Errorf("save corpus: structure of title %s is not valid JSON", doc.Number)
		}
		list, err := ecfr.ExtractVersionList(doc.Versions)
		if err != nil {
			return fmt.Errorf("save corpus: versions of title %s: %w", doc.Number, err)
		}
		if i > 0 {
			regs.WriteByte(',')
			vers.WriteByte(',')
		}
		if err := writeMember(&regs, doc.Number, doc.Structure); err != nil {
			return err
		}
		if err := writeMember(&vers, doc.Number, list); err != nil {
			return err
		}
	}
	regs.WriteByte('}')
	vers.WriteByte('}')

	if err := s.put(ctx, RegulationsKey, regs.Bytes()); err != nil {
		return fmt.Errorf("save corpus: %w", err)
	}
	if err := s.put(ctx, VersionsKey, vers.Bytes()); err != nil {
		return fmt.Errorf("save corpus: %w", err)
	}
	s.logger.Info("corpus written",
		zap.Int("titles", len(sorted)),
		zap.Int("regulations_bytes", regs.Len()),
		zap.Int("versions_bytes", vers.Len()),
	)
	return nil
}

func writeMember(buf *bytes.Buffer, key string, raw []byte) error {
	k, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode key %q: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(bytes.TrimSpace(raw))
	return nil
}

// LoadCorpus reads regulations.json and versions.json. A missing versions
// document yields an empty version map; a missing regulations document is an
// error wrapping ecfr.ErrObjectNotFound.
func (s *CorpusStore) LoadCorpus(ctx context.Context) (ecfr.Corpus, error) {
	corpus := ecfr.Corpus{
		Regulations: make(map[string]ecfr.Node),
		Versions:    make(map[string][]any),
	}
	raw, err := s.get(ctx, RegulationsKey)
	if err != nil {
		return ecfr.Corpus{}, fmt.Errorf("load corpus: %w", err)
	}
	var regs map[string]any
	if err := json.Unmarshal(raw, &regs); err != nil {
		return ecfr.Corpus{}, fmt.Errorf("decode regulations: %w", err)
	}
	for title, tree := range regs {
		corpus.Regulations[title] = ecfr.FromValue(tree)
	}

	raw, err = s.get(ctx, VersionsKey)
	switch {
	case errors.Is(err, ecfr.ErrObjectNotFound):
		s.logger.Warn("versions document missing, change metrics will be empty")
		return corpus, nil
	case err != nil:
		return ecfr.Corpus{}, fmt.Errorf("load corpus: %w", err)
	}
	var vers map[string]any
	if err := json.Unmarshal(raw, &vers); err != nil {
		return ecfr.Corpus{}, fmt.Errorf("decode versions: %w", err)
	}
	for title, v := range vers {
		if list, ok := v.([]any); ok {
			corpus.Versions[title] = list
		}
	}
	return corpus, nil
}

// SaveMetrics writes metrics.json.
func (s *CorpusStore) SaveMetrics(ctx context.Context, m ecfr.Metrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	return s.put(ctx, MetricsKey, data)
}

// LoadMetrics reads metrics.json.
func (s *CorpusStore) LoadMetrics(ctx context.Context) (ecfr.Metrics, error) {
	var m ecfr.Metrics
	raw, err := s.get(ctx, MetricsKey)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}
