// Package preparator resolves the remote resources an upload belongs to.
// Datasets are deduplicated by an exact tag combination rather than by any
// stored foreign key, so re-running a preparation is always safe: the same
// tags resolve to the same dataset.
package preparator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arcsecond-io/oort/internal/archive"
	"github.com/arcsecond-io/oort/internal/identity"
	"github.com/arcsecond-io/oort/internal/pack"
	"github.com/arcsecond-io/oort/internal/store"
)

// ErrAmbiguousDataset is returned when the archive holds more than one
// dataset for a tag combination that must be unique. This means two
// uploaders were misconfigured (or raced their first create) and requires
// an operator to merge or retag; picking one silently would scatter files.
var ErrAmbiguousDataset = errors.New("ambiguous dataset tag combination")

// Preparator synchronizes the remote dataset (and optionally telescope) a
// pack belongs to, recording the result on the upload record.
type Preparator struct {
	store          *store.Store
	datasets       archive.API
	telescopes     archive.API
	logger         *slog.Logger
	allowAmbiguous bool
}

// Option configures a Preparator.
type Option func(*Preparator)

// WithTelescopes enables telescope resolution against the given collection.
func WithTelescopes(api archive.API) Option {
	return func(p *Preparator) { p.telescopes = api }
}

// WithAllowAmbiguous switches to the documented escape hatch: when a tag
// search yields several datasets, pick the first and log loudly instead of
// failing the preparation.
func WithAllowAmbiguous(allow bool) Option {
	return func(p *Preparator) { p.allowAmbiguous = allow }
}

// WithLogger sets the preparator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Preparator) { p.logger = l }
}

// New creates a Preparator writing into st and resolving datasets against
// the given collection.
func New(st *store.Store, datasets archive.API, opts ...Option) *Preparator {
	p := &Preparator{
		store:    st,
		datasets: datasets,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DatasetTags builds the dedup tag set identifying a pack's dataset.
func DatasetTags(pk *pack.UploadPack, id identity.Identity) []string {
	tags := []string{
		"oort|folder|" + pk.DatasetName,
		"oort|root|" + pk.RootPath,
	}
	if id.Telescope != "" {
		tags = append(tags, "oort|telescope|"+id.Telescope)
	}
	return tags
}

// Prepare resolves the dataset for pk and moves the record u to
// Uploading/ready. Every step is idempotent: a record prepared by a
// previous pass short-circuits, and a re-run of the tag search lands on
// the dataset created before. On failure the record is left in Error with
// the diagnostic attached; the next observer pass retries from Preparing.
func (p *Preparator) Prepare(ctx context.Context, pk *pack.UploadPack, id identity.Identity, u *store.Upload) error {
	if u.IsPrepared() {
		if err := p.store.Transition(u, store.StatusUploading, store.SubstatusReady); err != nil {
			return fmt.Errorf("failed to mark record ready: %w", err)
		}
		return nil
	}

	u.Astronomer = id.Username
	u.Organization = id.Organization
	if err := p.store.Transition(u, store.StatusPreparing, store.SubstatusSyncDataset); err != nil {
		return fmt.Errorf("failed to mark record preparing: %w", err)
	}

	dataset, err := p.syncDataset(ctx, pk, id)
	if err != nil {
		u.Error = err.Error()
		if terr := p.store.Transition(u, store.StatusError, store.SubstatusError); terr != nil {
			return fmt.Errorf("preparation failed: %w (additionally, failed to record error: %v)", err, terr)
		}
		return err
	}

	u.DatasetUUID = dataset.UUID()
	u.DatasetName = dataset.Name()

	// The telescope resource is informational only. Its failure must not
	// block the dataset sync nor the upload.
	if p.telescopes != nil && id.Telescope != "" {
		if err := p.store.Transition(u, store.StatusPreparing, store.SubstatusSyncTelescope); err != nil {
			return fmt.Errorf("failed to mark record syncing telescope: %w", err)
		}
		p.syncTelescope(ctx, id, u)
	}

	u.Error = ""
	if err := p.store.Transition(u, store.StatusUploading, store.SubstatusReady); err != nil {
		return fmt.Errorf("failed to mark record ready: %w", err)
	}
	p.logger.Info("dataset resolved",
		"file", pk.FileName(), "dataset", dataset.Name(), "uuid", dataset.UUID())
	return nil
}

// syncDataset is the find-or-create step. Zero matches creates the
// dataset, exactly one match is updated in place (keeping a pre-existing
// dataset alive even when its name drifted), and several matches are an
// ambiguous dedup key.
func (p *Preparator) syncDataset(ctx context.Context, pk *pack.UploadPack, id identity.Identity) (archive.Resource, error) {
	tags := DatasetTags(pk, id)
	filters := map[string]string{"tags": strings.Join(tags, ",")}

	matches, err := archive.WithRetry(ctx, func(ctx context.Context) ([]archive.Resource, error) {
		return p.datasets.List(ctx, filters)
	})
	if err != nil {
		return nil, fmt.Errorf("dataset search failed: %w", err)
	}

	fields := map[string]any{"name": pk.DatasetName, "tags": tags}

	switch {
	case len(matches) == 0:
		dataset, err := archive.WithRetry(ctx, func(ctx context.Context) (archive.Resource, error) {
			return p.datasets.Create(ctx, fields)
		})
		if err != nil {
			return nil, fmt.Errorf("dataset creation failed: %w", err)
		}
		return dataset, nil

	case len(matches) == 1:
		dataset, err := archive.WithRetry(ctx, func(ctx context.Context) (archive.Resource, error) {
			return p.datasets.Update(ctx, matches[0].UUID(), fields)
		})
		if err != nil {
			return nil, fmt.Errorf("dataset update failed: %w", err)
		}
		return dataset, nil

	default:
		if p.allowAmbiguous {
			p.logger.Error("multiple datasets share one tag combination, picking the first",
				"count", len(matches), "tags", tags, "picked", matches[0].UUID())
			return matches[0], nil
		}
		return nil, fmt.Errorf("%w: %d datasets match tags %v",
			ErrAmbiguousDataset, len(matches), tags)
	}
}

func (p *Preparator) syncTelescope(ctx context.Context, id identity.Identity, u *store.Upload) {
	telescope, err := archive.WithRetry(ctx, func(ctx context.Context) (archive.Resource, error) {
		return p.telescopes.Read(ctx, id.Telescope)
	})
	if err != nil {
		p.logger.Warn("telescope lookup failed", "telescope", id.Telescope, "error", err)
		return
	}
	u.TelescopeUUID = telescope.UUID()
	u.TelescopeName = telescope.Name()
}
