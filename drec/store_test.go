package drec

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "db", "drec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_RecordsPerDevice(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	require.NoError(t, l.RecordDownload(&DownloadedRecord{SessionID: "s1", Device: "ied1", Record: "A", TriggerTime: "20010203_040508", FileCount: 2, DownloadedAt: now}))
	require.NoError(t, l.RecordDownload(&DownloadedRecord{SessionID: "s1", Device: "ied1", Record: "B", DownloadedAt: now}))
	require.NoError(t, l.RecordDownload(&DownloadedRecord{SessionID: "s2", Device: "ied2", Record: "C", DownloadedAt: now}))

	recs, err := l.Records("ied1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].Record)
	assert.Equal(t, "B", recs[1].Record)
	assert.Equal(t, 2, recs[0].FileCount)
}

func TestLedger_SessionIDIsUnique(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.RecordSession(&SessionRun{SessionID: "s1", Device: "ied1", Outcome: string(OutcomeCompleted)}))
	assert.Error(t, l.RecordSession(&SessionRun{SessionID: "s1", Device: "ied1"}))

	runs, err := l.Sessions("ied1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Outcome)
}

func TestLedger_RecordArchive(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.RecordArchive(nil))
	require.NoError(t, l.RecordArchive([]ArchivedOrphan{
		{SessionID: "s1", Device: "ied1", LocalPath: "/d/a", ArchivePath: "/d/archive/a"},
		{SessionID: "s1", Device: "ied1", LocalPath: "/d/b", ArchivePath: "/d/archive/b"},
	}))
	got, err := l.Archived("ied1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/d/archive/b", got[1].ArchivePath)
}

func TestLedger_ConcurrentWriters(t *testing.T) {
	l := openTestLedger(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.RecordDownload(&DownloadedRecord{Device: "ied1", Record: string(rune('A' + i))}))
		}(i)
	}
	wg.Wait()
	recs, err := l.Records("ied1")
	require.NoError(t, err)
	assert.Len(t, recs, 8)
}

func TestLedger_CloseTwice(t *testing.T) {
	l, err := OpenLedger(filepath.Join(t.TempDir(), "drec.db"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
