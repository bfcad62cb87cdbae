package ecfr

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// AgencyWords is one word_count_per_agency entry.
type AgencyWords struct {
	Agency string
	Words  int
}

// YearChanges is one changes_per_year entry.
type YearChanges struct {
	Year    string
	Changes int
}

// Metrics is the aggregate document derived from a corpus. Both lists are kept
// in their published order: agencies by descending word count (ties by name),
// years ascending.
type Metrics struct {
	Generated          int64
	WordCountPerAgency []AgencyWords
	ChangesPerYear     []YearChanges
}

// NewMetrics builds a Metrics document from unordered counters.
func NewMetrics(generated int64, words map[string]int, changes map[string]int) Metrics {
	m := Metrics{
		Generated:          generated,
		WordCountPerAgency: make([]AgencyWords, 0, len(words)),
		ChangesPerYear:     make([]YearChanges, 0, len(changes)),
	}
	for agency, n := range words {
		m.WordCountPerAgency = append(m.WordCountPerAgency, AgencyWords{Agency: agency, Words: n})
	}
	for year, n := range changes {
		m.ChangesPerYear = append(m.ChangesPerYear, YearChanges{Year: year, Changes: n})
	}
	m.sort()
	return m
}

func (m *Metrics) sort() {
	sort.Slice(m.WordCountPerAgency, func(i, j int) bool {
		a, b := m.WordCountPerAgency[i], m.WordCountPerAgency[j]
		if a.Words != b.Words {
			return a.Words > b.Words
		}
		return a.Agency < b.Agency
	})
	sort.Slice(m.ChangesPerYear, func(i, j int) bool {
		return m.ChangesPerYear[i].Year < m.ChangesPerYear[j].Year
	})
}

// WordCount returns the total for one agency.
func (m Metrics) WordCount(agency string) (int, bool) {
	for _, entry := range m.WordCountPerAgency {
		if entry.Agency == agency {
			return entry.Words, true
		}
	}
	return 0, false
}

// Changes returns the change count for one year.
func (m Metrics) Changes(year string) (int, bool) {
	for _, entry := range m.ChangesPerYear {
		if entry.Year == year {
			return entry.Changes, true
		}
	}
	return 0, false
}

// MarshalJSON writes both mappings as JSON objects in their published order.
func (m Metrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"generated":`)
	buf.WriteString(strconv.FormatInt(m.Generated, 10))
	buf.WriteString(`,"word_count_per_agency":{`)
	for i, entry := range m.WordCountPerAgency {
		if err := writeEntry(&buf, i, entry.Agency, entry.Words); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`},"changes_per_year":{`)
	for i, entry := range m.ChangesPerYear {
		if err := writeEntry(&buf, i, entry.Year, entry.Changes); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

func writeEntry(buf *bytes.Buffer, i int, key string, value int) error {
	if i > 0 {
		buf.WriteByte(',')
	}
	encoded, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode metrics key %q: %w", key, err)
	}
	buf.Write(encoded)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(value))
	return nil
}

// UnmarshalJSON restores a persisted metrics document.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw struct {
		Generated          int64          `json:"generated"`
		WordCountPerAgency map[string]int `json:"word_count_per_agency"`
		ChangesPerYear     map[string]int `json:"changes_per_year"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode metrics: %w", err)
	}
	*m = NewMetrics(raw.Generated, raw.WordCountPerAgency, raw.ChangesPerYear)
	return nil
}
