package status

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name string
		sig  Signals
		want Status
	}{
		{
			name: "live lock wins over everything",
			sig:  Signals{LockHeld: true, OwnerAlive: true, MergedMarker: true, CompletedMarker: true},
			want: StatusRunning,
		},
		{
			name: "dead lock owner does not mean running",
			sig:  Signals{LockHeld: true, OwnerAlive: false, MergedMarker: true},
			want: StatusMerged,
		},
		{
			name: "merged marker",
			sig:  Signals{MergedMarker: true, CompletedMarker: true},
			want: StatusMerged,
		},
		{
			name: "branch merged in history without marker",
			sig:  Signals{BranchMerged: true, LedgerExists: true},
			want: StatusMerged,
		},
		{
			name: "completed marker",
			sig:  Signals{CompletedMarker: true, LedgerExists: true},
			want: StatusCompleted,
		},
		{
			name: "ledger commits in main without marker",
			sig:  Signals{LedgerCommitsInMain: true, LedgerExists: true},
			want: StatusCompleted,
		},
		{
			name: "ledger only",
			sig:  Signals{LedgerExists: true, ChecklistExists: true},
			want: StatusInProgress,
		},
		{
			name: "checklist only",
			sig:  Signals{ChecklistExists: true},
			want: StatusReady,
		},
		{
			name: "nothing at all",
			sig:  Signals{},
			want: StatusError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Resolve(tt.sig))
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	sig := Signals{MergedMarker: true, LedgerExists: true, ChecklistExists: true}
	first := Resolve(sig)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, Resolve(sig))
	}
}
