package ledger

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercase and whitespace",
			in:   "  Build FAILED\n\twith   errors ",
			want: "build failed with errors",
		},
		{
			name: "commit hash",
			in:   "commit deadbeefcafe1234 rejected",
			want: "commit <hex> rejected",
		},
		{
			name: "timestamp",
			in:   "at 2026-03-01T10:15:30Z the test died",
			want: "at <ts> the test died",
		},
		{
			name: "line and column",
			in:   "main.go:42:7 undefined symbol",
			want: "main.go:<n> undefined symbol",
		},
		{
			name: "empty",
			in:   "   ",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "xyzzy "
	}
	got := Normalize(long)
	require.Len(t, got, maxErrorMessageBytes)
}

func TestInsertDeduplicates(t *testing.T) {
	w := &Window{}
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.True(t, w.Insert("tests FAILED in pkg", t0))
	// Same root cause, different volatile tokens.
	require.False(t, w.Insert("Tests   failed in pkg", t0.Add(time.Minute)))

	require.Len(t, w.Entries, 1)
	require.Equal(t, t0.Add(time.Minute), w.Entries[0].LastSeen)
}

func TestInsertEvictsOldest(t *testing.T) {
	w := &Window{}
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		added := w.Insert(fmt.Sprintf("distinct failure number %d", i), t0.Add(time.Duration(i)*time.Minute))
		require.True(t, added)
		require.LessOrEqual(t, len(w.Entries), WindowSize)
	}

	msgs := w.Messages()
	require.Len(t, msgs, WindowSize)
	require.Equal(t, []string{
		"distinct failure number 2",
		"distinct failure number 3",
		"distinct failure number 4",
	}, msgs)
}

func TestInsertBumpKeepsEntryFresh(t *testing.T) {
	w := &Window{}
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	w.Insert("error alpha", t0)
	w.Insert("error beta", t0.Add(time.Minute))
	w.Insert("error gamma", t0.Add(2*time.Minute))
	// Re-seeing alpha makes beta the oldest.
	w.Insert("error alpha", t0.Add(3*time.Minute))
	w.Insert("error delta", t0.Add(4*time.Minute))

	msgs := w.Messages()
	require.Contains(t, msgs, "error alpha")
	require.Contains(t, msgs, "error gamma")
	require.Contains(t, msgs, "error delta")
	require.NotContains(t, msgs, "error beta")
}

func TestWindowSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.json")

	w := &Window{}
	w.Insert("some failure", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, w.Save(path))

	got, err := LoadWindow(path)
	require.NoError(t, err)
	require.Equal(t, w.Messages(), got.Messages())

	// Missing file loads empty.
	empty, err := LoadWindow(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, empty.Entries)
}
