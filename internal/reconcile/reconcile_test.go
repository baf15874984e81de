package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		cached   *model.Folder
		remote   mailbox.FolderState
		want     Action
		wantFrom uint32
	}{
		{
			name:   "no cached folder forces full resync",
			cached: nil,
			remote: mailbox.FolderState{UIDValidity: 5, UIDNext: 10},
			want:   FullResync,
		},
		{
			name:   "never synced folder forces full resync",
			cached: &model.Folder{UIDValidity: 0, UIDNext: 0},
			remote: mailbox.FolderState{UIDValidity: 5, UIDNext: 10},
			want:   FullResync,
		},
		{
			name:   "uidvalidity change forces full resync",
			cached: &model.Folder{UIDValidity: 5, UIDNext: 10},
			remote: mailbox.FolderState{UIDValidity: 6, UIDNext: 3},
			want:   FullResync,
		},
		{
			name:     "higher remote uidnext yields incremental from cached watermark",
			cached:   &model.Folder{UIDValidity: 5, UIDNext: 10},
			remote:   mailbox.FolderState{UIDValidity: 5, UIDNext: 12},
			want:     IncrementalSync,
			wantFrom: 10,
		},
		{
			name:   "equal uidnext yields flag-only pass",
			cached: &model.Folder{UIDValidity: 5, UIDNext: 10},
			remote: mailbox.FolderState{UIDValidity: 5, UIDNext: 10},
			want:   NoOp,
		},
		{
			name:   "remote uidnext below watermark is untrustworthy",
			cached: &model.Folder{UIDValidity: 5, UIDNext: 10},
			remote: mailbox.FolderState{UIDValidity: 5, UIDNext: 7},
			want:   FullResync,
		},
		{
			name:   "empty folder with unchanged state is a no-op",
			cached: &model.Folder{UIDValidity: 5, UIDNext: 1},
			remote: mailbox.FolderState{UIDValidity: 5, UIDNext: 1},
			want:   NoOp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.cached, &tt.remote)
			require.Equal(t, tt.want, got.Action)
			if tt.want == IncrementalSync {
				require.Equal(t, tt.wantFrom, got.FromUID)
			}
		})
	}
}
