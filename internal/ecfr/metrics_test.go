package ecfr

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsMarshalOrdersEntries(t *testing.T) {
	t.Parallel()

	m := NewMetrics(1700000000,
		map[string]int{"Agency B": 5, "Agency A": 9, "Agency C": 5},
		map[string]int{"2021": 1, "1999": 4, "2020": 2},
	)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t,
		`{"generated":1700000000,`+
			`"word_count_per_agency":{"Agency A":9,"Agency B":5,"Agency C":5},`+
			`"changes_per_year":{"1999":4,"2020":2,"2021":1}}`,
		string(data))
}

func TestMetricsRoundTripRestoresOrder(t *testing.T) {
	t.Parallel()

	in := []byte(`{"generated": 12, "word_count_per_agency": {"Small": 1, "Big": 10}, "changes_per_year": {"2020": 2, "2019": 1}}`)
	var m Metrics
	require.NoError(t, json.Unmarshal(in, &m))
	assert.Equal(t, int64(12), m.Generated)
	assert.Equal(t, []AgencyWords{{Agency: "Big", Words: 10}, {Agency: "Small", Words: 1}}, m.WordCountPerAgency)
	assert.Equal(t, []YearChanges{{Year: "2019", Changes: 1}, {Year: "2020", Changes: 2}}, m.ChangesPerYear)

	n, ok := m.WordCount("Big")
	assert.True(t, ok)
	assert.Equal(t, 10, n)
	_, ok = m.Changes("2018")
	assert.False(t, ok)
}

func TestMetricsMarshalEmpty(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Metrics{Generated: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"generated":1,"word_count_per_agency":{},"changes_per_year":{}}`, string(data))
}

func TestFetchMetaAcceptsLegacySnapshotKey(t *testing.T) {
	t.Parallel()

	var meta FetchMeta
	require.NoError(t, json.Unmarshal([]byte(`{"snapshot":"2024-01-02","fetched":"2024-01-03 10:00:00"}`), &meta))
	assert.Equal(t, "2024-01-02", meta.SnapshotID)

	require.NoError(t, json.Unmarshal([]byte(`{"snapshot_id":"2024-02-02","snapshot":"old"}`), &meta))
	assert.Equal(t, "2024-02-02", meta.SnapshotID)

	data, err := json.Marshal(FetchMeta{SnapshotID: "2024-03-01", Fetched: "now"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"snapshot_id":"2024-03-01","fetched":"now"}`, string(data))
}

func TestSortTitles(t *testing.T) {
	t.Parallel()

	titles := []string{"10", "2", "x", "1", "50", "a"}
	SortTitles(titles)
	assert.Equal(t, []string{"1", "2", "10", "50", "a", "x"}, titles)
}
