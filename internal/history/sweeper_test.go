package history

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweeper_DeletesExpiredEntries(t *testing.T) {
	j := newTestJournal(t)

	now := time.Now().UTC()
	j.Record(testEntry("cmd-expired", now.Add(-48*time.Hour)))
	j.Record(testEntry("cmd-live", now))

	waitForRows(t, j, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := NewSweeper(j, 50*time.Millisecond, 24*time.Hour, slog.Default())
	sweeper.Start(ctx)

	require.Eventually(t, func() bool {
		entries, err := j.Recent(10, Filter{})
		return err == nil && len(entries) == 1 && entries[0].CommandID == "cmd-live"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewSweeper_Defaults(t *testing.T) {
	j := newTestJournal(t)

	sweeper := NewSweeper(j, 0, 0, nil)

	require.Equal(t, time.Hour, sweeper.interval)
	require.Equal(t, 30*24*time.Hour, sweeper.maxAge)
}
