package store

import "time"

// Status is the coarse lifecycle state of an upload record.
type Status string

const (
	StatusNew       Status = "New"
	StatusPreparing Status = "Preparing"
	StatusUploading Status = "Uploading"
	StatusOK        Status = "OK"
	StatusError     Status = "Error"
)

// Substatus is the fine-grained phase within a coarse status. The strings
// are shown verbatim in the CLI and dashboard, hence the lowercase wording.
type Substatus string

const (
	SubstatusPending       Substatus = "pending"
	SubstatusZipping       Substatus = "zipping..."
	SubstatusSyncDataset   Substatus = "syncing dataset..."
	SubstatusSyncTelescope Substatus = "syncing telescope..."
	SubstatusReady         Substatus = "ready"
	SubstatusChecking      Substatus = "checking remote file..."
	SubstatusStarting      Substatus = "starting..."
	SubstatusUploading     Substatus = "uploading..."
	SubstatusFinishing     Substatus = "finishing..."
	SubstatusDone          Substatus = "done"
	SubstatusAlreadySynced Substatus = "already synced"
	SubstatusIgnored       Substatus = "ignored"
	SubstatusRestart       Substatus = "restart"
	SubstatusError         Substatus = "error"

	SubstatusSkippedNoDate     Substatus = "skipped (no observation date)"
	SubstatusSkippedHiddenFile Substatus = "skipped (hidden file)"
	SubstatusSkippedEmptyFile  Substatus = "skipped (empty file)"
	SubstatusSkippedNoDataset  Substatus = "skipped (no dataset)"
)

// finishedSubstatuses are the terminal success phases. A record carrying
// StatusOK plus one of these is never re-enqueued by the observer.
var finishedSubstatuses = map[Substatus]bool{
	SubstatusDone:              true,
	SubstatusAlreadySynced:     true,
	SubstatusIgnored:           true,
	SubstatusSkippedNoDate:     true,
	SubstatusSkippedHiddenFile: true,
	SubstatusSkippedEmptyFile:  true,
	SubstatusSkippedNoDataset:  true,
}

// IsFinishedSubstatus reports whether s belongs to the terminal success set.
func IsFinishedSubstatus(s Substatus) bool {
	return finishedSubstatuses[s]
}

// Upload is the durable record of one physical file, keyed by its clear
// (uncompressed) path. Records are created the first time a file is
// observed and never deleted: they double as the completion log and as the
// dedup memory that makes restarts safe.
type Upload struct {
	ID      int64
	Created time.Time

	FilePath       string
	FilePathZipped string
	FileDate       *time.Time
	FileSize       int64
	FileSizeZipped int64
	TargetName     string
	Astronomer     string

	Status    Status
	Substatus Substatus
	Progress  float64

	Started  *time.Time
	Ended    *time.Time
	Duration float64
	Error    string

	DatasetUUID   string
	DatasetName   string
	TelescopeUUID string
	TelescopeName string
	Organization  string
}

// IsFinished reports whether the record reached a terminal success state.
func (u *Upload) IsFinished() bool {
	return u.Status == StatusOK && IsFinishedSubstatus(u.Substatus)
}

// IsPrepared reports whether the dataset resolution step already ran for
// this record, making a fresh preparation pass unnecessary.
func (u *Upload) IsPrepared() bool {
	return u.DatasetUUID != ""
}

// clone returns a copy safe to hand to notifier subscribers.
func (u *Upload) clone() *Upload {
	c := *u
	return &c
}
