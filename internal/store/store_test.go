package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "uploads.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreate(t *testing.T) {
	s := openTestStore(t)

	u, created, err := s.GetOrCreate("/data/root/HD5980/img.fits")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusNew, u.Status)
	assert.Equal(t, SubstatusPending, u.Substatus)
	assert.NotZero(t, u.ID)

	again, created, err := s.GetOrCreate("/data/root/HD5980/img.fits")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)
}

func TestGetMatchesZippedPath(t *testing.T) {
	s := openTestStore(t)

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)
	u.FilePathZipped = "/data/root/img.fits.gz"
	require.NoError(t, s.Save(u))

	// Observing the zipped sibling must resolve to the same record.
	byZip, err := s.Get("/data/root/img.fits.gz")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byZip.ID)

	again, created, err := s.GetOrCreate("/data/root/img.fits.gz")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("/nowhere.fits")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByID(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRoundTrip(t *testing.T) {
	s := openTestStore(t)

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)

	date := time.Date(2020, 3, 21, 20, 56, 35, 0, time.UTC)
	started := time.Now()
	u.FileDate = &date
	u.FileSize = 2880
	u.TargetName = "HD 5980"
	u.Astronomer = "cedric"
	u.Started = &started
	u.DatasetUUID = "uuid-1"
	u.DatasetName = "HD5980/Halpha"
	u.Organization = "saao"
	require.NoError(t, s.Save(u))

	loaded, err := s.GetByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2880), loaded.FileSize)
	assert.Equal(t, "HD 5980", loaded.TargetName)
	assert.Equal(t, "cedric", loaded.Astronomer)
	assert.Equal(t, "uuid-1", loaded.DatasetUUID)
	assert.Equal(t, "HD5980/Halpha", loaded.DatasetName)
	assert.Equal(t, "saao", loaded.Organization)
	require.NotNil(t, loaded.FileDate)
	assert.True(t, loaded.FileDate.Equal(date))
	require.NotNil(t, loaded.Started)
	assert.WithinDuration(t, started, *loaded.Started, time.Millisecond)
}

func TestTransitionValidation(t *testing.T) {
	s := openTestStore(t)

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)

	require.NoError(t, s.Transition(u, StatusPreparing, SubstatusSyncDataset))
	require.NoError(t, s.Transition(u, StatusUploading, SubstatusReady))
	require.NoError(t, s.Transition(u, StatusUploading, SubstatusChecking))

	// Phases may not run backwards within one attempt.
	err = s.Transition(u, StatusUploading, SubstatusReady)
	assert.Error(t, err)

	require.NoError(t, s.Transition(u, StatusOK, SubstatusDone))
	assert.True(t, u.IsFinished())

	// A finished record does not move again through the pipeline.
	err = s.Transition(u, StatusPreparing, SubstatusSyncDataset)
	assert.Error(t, err)
}

func TestIsFinished(t *testing.T) {
	s := openTestStore(t)

	assert.False(t, s.IsFinished("/data/root/img.fits"))

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)
	assert.False(t, s.IsFinished("/data/root/img.fits"))

	require.NoError(t, s.Transition(u, StatusOK, SubstatusAlreadySynced))
	assert.True(t, s.IsFinished("/data/root/img.fits"))
}

func TestResumeResetsInterruptedRecord(t *testing.T) {
	s := openTestStore(t)

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)
	u.DatasetUUID = "uuid-1"
	u.Progress = 42
	now := time.Now()
	u.Started = &now
	u.Status = StatusUploading
	u.Substatus = SubstatusStarting
	require.NoError(t, s.Save(u))

	require.NoError(t, s.Resume(u))
	assert.Equal(t, StatusNew, u.Status)
	assert.Equal(t, SubstatusPending, u.Substatus)
	assert.Zero(t, u.Progress)
	assert.Nil(t, u.Started)
	// The resolved dataset survives, the next attempt reuses it.
	assert.Equal(t, "uuid-1", u.DatasetUUID)

	// The new attempt may walk the full phase sequence again.
	require.NoError(t, s.Transition(u, StatusUploading, SubstatusReady))
	require.NoError(t, s.Transition(u, StatusUploading, SubstatusStarting))
}

func TestResumeLeavesSettledRecordsAlone(t *testing.T) {
	s := openTestStore(t)

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)
	require.NoError(t, s.Transition(u, StatusOK, SubstatusDone))

	require.NoError(t, s.Resume(u))
	assert.Equal(t, StatusOK, u.Status)
	assert.Equal(t, SubstatusDone, u.Substatus)

	u.Status = StatusError
	u.Substatus = SubstatusError
	require.NoError(t, s.Save(u))
	require.NoError(t, s.Resume(u))
	assert.Equal(t, StatusError, u.Status)
}

func TestRestartClearsAttemptState(t *testing.T) {
	s := openTestStore(t)

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)
	u.DatasetUUID = "uuid-1"
	u.Progress = 42
	u.Error = "boom"
	now := time.Now()
	u.Started = &now
	u.Ended = &now
	u.Duration = 12.5
	u.Status = StatusError
	u.Substatus = SubstatusError
	require.NoError(t, s.Save(u))

	restarted, err := s.Restart(u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, restarted.Status)
	assert.Equal(t, SubstatusRestart, restarted.Substatus)
	assert.Zero(t, restarted.Progress)
	assert.Empty(t, restarted.Error)
	assert.Nil(t, restarted.Started)
	assert.Nil(t, restarted.Ended)
	assert.Zero(t, restarted.Duration)
	// The resolved dataset survives a restart, only the attempt resets.
	assert.Equal(t, "uuid-1", restarted.DatasetUUID)
	assert.True(t, CanRetry(restarted))
}

func TestIgnore(t *testing.T) {
	s := openTestStore(t)

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)

	ignored, err := s.Ignore(u.ID)
	require.NoError(t, err)
	assert.True(t, ignored.IsFinished())
	assert.Equal(t, SubstatusIgnored, ignored.Substatus)
	assert.True(t, s.IsFinished("/data/root/img.fits"))
}

func TestListPending(t *testing.T) {
	s := openTestStore(t)

	fresh, _, err := s.GetOrCreate("/data/root/a.fits")
	require.NoError(t, err)

	failed, _, err := s.GetOrCreate("/data/root/b.fits")
	require.NoError(t, err)
	failed.Error = "boom"
	require.NoError(t, s.Transition(failed, StatusError, SubstatusError))

	done, _, err := s.GetOrCreate("/data/root/c.fits")
	require.NoError(t, err)
	require.NoError(t, s.Transition(done, StatusOK, SubstatusDone))

	interrupted, _, err := s.GetOrCreate("/data/root/d.fits")
	require.NoError(t, err)
	interrupted.Status = StatusUploading
	interrupted.Substatus = SubstatusStarting
	require.NoError(t, s.Save(interrupted))

	other, _, err := s.GetOrCreate("/elsewhere/e.fits")
	require.NoError(t, err)
	_ = other

	pending, err := s.ListPending("/data/root", 0)
	require.NoError(t, err)
	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []int64{fresh.ID, failed.ID, interrupted.ID}, ids)

	limited, err := s.ListPending("/data/root", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestList(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.GetOrCreate("/data/root/a.fits")
	require.NoError(t, err)
	_, _, err = s.GetOrCreate("/data/root/b.fits")
	require.NoError(t, err)
	_, _, err = s.GetOrCreate("/elsewhere/c.fits")
	require.NoError(t, err)

	records, err := s.List("/data/root")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestNotifierReceivesWrites(t *testing.T) {
	notifier := NewChannelNotifier(16)
	s := openTestStore(t, WithNotifier(notifier))

	u, _, err := s.GetOrCreate("/data/root/img.fits")
	require.NoError(t, err)
	require.NoError(t, s.Transition(u, StatusPreparing, SubstatusSyncDataset))
	require.NoError(t, s.SetProgress(u, 50))

	seen := 0
	for seen < 3 {
		select {
		case got := <-notifier.Updates():
			assert.Equal(t, u.ID, got.ID)
			seen++
		case <-time.After(time.Second):
			t.Fatalf("expected 3 notifications, got %d", seen)
		}
	}
}

func TestChannelNotifierNeverBlocks(t *testing.T) {
	notifier := NewChannelNotifier(1)
	notifier.Publish(&Upload{ID: 1})
	// Buffer is full; further publishes are dropped, not blocked on.
	notifier.Publish(&Upload{ID: 2})
	got := <-notifier.Updates()
	assert.Equal(t, int64(1), got.ID)
}
