// Package uploader moves the bytes of one prepared pack to the archive.
// The engine never uploads blindly: it first asks the archive whether the
// file already exists under its dataset, which is what turns a re-run of
// the whole pipeline over an uploaded tree into a no-op.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/arcsecond-io/oort/internal/archive"
	"github.com/arcsecond-io/oort/internal/identity"
	"github.com/arcsecond-io/oort/internal/pack"
	"github.com/arcsecond-io/oort/internal/store"
)

// duplicateFileMarker is the error-body fragment the archive answers with
// when another uploader won the race for the same logical file. Hitting it
// means the file is there, which is a success, not a failure.
const duplicateFileMarker = "already exists in dataset"

// progressThreshold is the minimum percentage advance persisted. Finer
// grained updates only hammer the record store for no visible benefit.
const progressThreshold = 1.0

// Uploader is the transfer engine for a single watched root.
type Uploader struct {
	store     *store.Store
	datafiles archive.API
	transfers archive.TransferFactory
	logger    *slog.Logger
	version   string
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger sets the uploader's logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// WithVersion sets the software version recorded in provenance tags.
func WithVersion(v string) Option {
	return func(u *Uploader) { u.version = v }
}

// New creates an Uploader checking existence against the datafiles
// collection and moving bytes through the given transfer factory.
func New(st *store.Store, datafiles archive.API, transfers archive.TransferFactory, opts ...Option) *Uploader {
	up := &Uploader{
		store:     st,
		datafiles: datafiles,
		transfers: transfers,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(up)
	}
	return up
}

// Upload drives the record u through the transfer phases. On return the
// record sits in a terminal state: OK (done, or already synced) or Error
// with the diagnostic attached.
func (up *Uploader) Upload(ctx context.Context, pk *pack.UploadPack, id identity.Identity, u *store.Upload) error {
	now := time.Now()
	u.Started = &now
	if err := up.store.Transition(u, store.StatusUploading, store.SubstatusChecking); err != nil {
		return fmt.Errorf("failed to mark record checking: %w", err)
	}

	remote, err := up.findRemoteFile(ctx, pk, u)
	if err != nil {
		return up.fail(u, fmt.Errorf("remote file check failed: %w", err))
	}

	if remote != nil && hasStorageBacking(remote) {
		// Nothing to transfer. This is the terminal state every file in an
		// already-uploaded tree resolves to on a re-run.
		up.finishTimes(u)
		if err := up.store.Transition(u, store.StatusOK, store.SubstatusAlreadySynced); err != nil {
			return fmt.Errorf("failed to mark record already synced: %w", err)
		}
		up.logger.Info("file already synced", "file", pk.FileName(), "dataset", u.DatasetUUID)
		return nil
	}

	result, err := up.transfer(ctx, pk, u, remote)
	if err != nil {
		if isDuplicateFileError(err) {
			// A concurrent uploader (or an earlier partial success) beat us
			// to it. The file is in the dataset, so this pass succeeded.
			up.finishTimes(u)
			if terr := up.store.Transition(u, store.StatusOK, store.SubstatusAlreadySynced); terr != nil {
				return fmt.Errorf("failed to mark record already synced: %w", terr)
			}
			up.logger.Info("duplicate upload absorbed", "file", pk.FileName())
			return nil
		}
		return up.fail(u, err)
	}

	up.finishTimes(u)
	u.Error = ""
	if err := up.store.Transition(u, store.StatusOK, store.SubstatusDone); err != nil {
		return fmt.Errorf("failed to mark record done: %w", err)
	}
	up.logger.Info("upload finished",
		"file", pk.FileName(), "dataset", u.DatasetUUID, "duration", u.Duration)

	up.tagProvenance(ctx, pk, id, result)
	return nil
}

// findRemoteFile looks for a file resource with the pack's filename under
// the resolved dataset. nil means the archive never heard of the file.
func (up *Uploader) findRemoteFile(ctx context.Context, pk *pack.UploadPack, u *store.Upload) (archive.Resource, error) {
	matches, err := archive.WithRetry(ctx, func(ctx context.Context) ([]archive.Resource, error) {
		return up.datafiles.List(ctx, map[string]string{
			"dataset": u.DatasetUUID,
			"name":    pk.FileName(),
		})
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// hasStorageBacking reports whether the file resource points at an actual
// object storage payload. A resource without one is the leftover of a
// partial upload and must be re-sent through the update path.
func hasStorageBacking(r archive.Resource) bool {
	if v, ok := r["file"].(string); ok && v != "" {
		return true
	}
	return false
}

func (up *Uploader) transfer(ctx context.Context, pk *pack.UploadPack, u *store.Upload, remote archive.Resource) (archive.Resource, error) {
	uploadPath := pk.UploadPath()
	if _, err := os.Stat(uploadPath); err != nil {
		return nil, fmt.Errorf("local file vanished before transfer: %w", err)
	}

	fields := map[string]any{
		archive.FileField: uploadPath,
		"dataset":         u.DatasetUUID,
	}

	var lastReported float64
	var mu sync.Mutex
	callback := func(_ string, percent float64) {
		mu.Lock()
		defer mu.Unlock()
		if percent-lastReported < progressThreshold && percent < 100 {
			return
		}
		lastReported = percent
		if err := up.store.SetProgress(u, percent); err != nil {
			up.logger.Debug("progress update failed", "file", pk.FileName(), "error", err)
		}
	}

	var transfer archive.Transfer
	var err error
	if remote == nil {
		transfer, err = up.transfers.Create(ctx, fields, callback)
	} else {
		transfer, err = up.transfers.Update(ctx, pk.FileName(), fields, callback)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transfer: %w", err)
	}

	if err := up.store.Transition(u, store.StatusUploading, store.SubstatusStarting); err != nil {
		return nil, err
	}
	if err := transfer.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start transfer: %w", err)
	}
	if err := up.store.Transition(u, store.StatusUploading, store.SubstatusUploading); err != nil {
		return nil, err
	}

	if err := up.store.Transition(u, store.StatusUploading, store.SubstatusFinishing); err != nil {
		return nil, err
	}
	result, err := transfer.Finish(ctx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fail records a terminal error on u. The error is reported, not retried
// here; the next observer pass over the root is the retry mechanism.
func (up *Uploader) fail(u *store.Upload, err error) error {
	up.finishTimes(u)
	u.Error = err.Error()
	if terr := up.store.Transition(u, store.StatusError, store.SubstatusError); terr != nil {
		return fmt.Errorf("upload failed: %w (additionally, failed to record error: %v)", err, terr)
	}
	return err
}

func (up *Uploader) finishTimes(u *store.Upload) {
	now := time.Now()
	u.Ended = &now
	u.Progress = 0
	if u.Started != nil {
		u.Duration = now.Sub(*u.Started).Seconds()
	}
}

func isDuplicateFileError(err error) bool {
	var apiErr *archive.APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.Body, duplicateFileMarker)
	}
	return strings.Contains(err.Error(), duplicateFileMarker)
}

// tagProvenance attaches upload provenance to the created file resource.
// It is best effort: a failure here is logged and never flips the record's
// terminal status.
func (up *Uploader) tagProvenance(ctx context.Context, pk *pack.UploadPack, id identity.Identity, result archive.Resource) {
	if result == nil || result.UUID() == "" {
		return
	}
	hostname, _ := os.Hostname()
	fields := map[string]any{
		"metadata": map[string]any{
			"host":     hostname,
			"uploader": id.Username,
			"version":  up.version,
			"root":     pk.RootPath,
		},
	}
	_, err := archive.WithRetry(ctx, func(ctx context.Context) (archive.Resource, error) {
		return up.datafiles.Update(ctx, result.UUID(), fields)
	})
	if err != nil {
		up.logger.Warn("provenance tagging failed", "file", pk.FileName(), "error", err)
	}
}
