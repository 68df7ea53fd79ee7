package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		fromSub Substatus
		to      Status
		toSub   Substatus
		wantErr bool
	}{
		{"new to preparing", StatusNew, SubstatusPending, StatusPreparing, SubstatusSyncDataset, false},
		{"new skips straight to ok", StatusNew, SubstatusPending, StatusOK, SubstatusSkippedNoDate, false},
		{"restarted prepared record resumes uploading", StatusNew, SubstatusRestart, StatusUploading, SubstatusReady, false},
		{"preparing to uploading", StatusPreparing, SubstatusSyncDataset, StatusUploading, SubstatusReady, false},
		{"uploading forward phase", StatusUploading, SubstatusChecking, StatusUploading, SubstatusStarting, false},
		{"uploading same phase", StatusUploading, SubstatusUploading, StatusUploading, SubstatusUploading, false},
		{"uploading phase regression", StatusUploading, SubstatusUploading, StatusUploading, SubstatusChecking, true},
		{"errored record retried", StatusError, SubstatusError, StatusPreparing, SubstatusSyncDataset, false},
		{"errored record now skipped", StatusError, SubstatusError, StatusOK, SubstatusSkippedEmptyFile, false},
		{"finished record stays finished", StatusOK, SubstatusDone, StatusUploading, SubstatusReady, true},
		{"uploading cannot rewind to preparing", StatusUploading, SubstatusUploading, StatusPreparing, SubstatusSyncDataset, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.fromSub, tt.to, tt.toSub)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCanRetry(t *testing.T) {
	assert.True(t, CanRetry(&Upload{Status: StatusError, Substatus: SubstatusError}))
	assert.True(t, CanRetry(&Upload{Status: StatusNew, Substatus: SubstatusRestart}))
	assert.False(t, CanRetry(&Upload{Status: StatusOK, Substatus: SubstatusDone}))
	assert.False(t, CanRetry(&Upload{Status: StatusUploading, Substatus: SubstatusUploading}))
}

func TestIsFinishedSubstatus(t *testing.T) {
	for _, sub := range []Substatus{
		SubstatusDone, SubstatusAlreadySynced, SubstatusIgnored,
		SubstatusSkippedNoDate, SubstatusSkippedHiddenFile,
		SubstatusSkippedEmptyFile, SubstatusSkippedNoDataset,
	} {
		assert.True(t, IsFinishedSubstatus(sub), string(sub))
	}
	assert.False(t, IsFinishedSubstatus(SubstatusPending))
	assert.False(t, IsFinishedSubstatus(SubstatusError))
}
