package preparator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcsecond-io/oort/internal/archive"
	"github.com/arcsecond-io/oort/internal/datafile"
	"github.com/arcsecond-io/oort/internal/identity"
	"github.com/arcsecond-io/oort/internal/pack"
	"github.com/arcsecond-io/oort/internal/store"
)

func testFixture(t *testing.T) (*store.Store, *pack.UploadPack, *store.Upload) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "uploads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := "/data/telescope"
	pk := pack.New(root, filepath.Join(root, "HD5980", "Halpha", "img.fits"), datafile.Header{})
	u, _, err := st.GetOrCreate(pk.ClearPath())
	require.NoError(t, err)
	return st, pk, u
}

func TestPrepareCreatesDataset(t *testing.T) {
	st, pk, u := testFixture(t)
	datasets := archive.NewFakeAPI()
	id := identity.Identity{Username: "cedric", Organization: "saao"}

	p := New(st, datasets)
	require.NoError(t, p.Prepare(context.Background(), pk, id, u))

	assert.Equal(t, 1, datasets.CreateCalls)
	assert.NotEmpty(t, u.DatasetUUID)
	assert.Equal(t, "HD5980/Halpha", u.DatasetName)
	assert.Equal(t, "cedric", u.Astronomer)
	assert.Equal(t, "saao", u.Organization)
	assert.Equal(t, store.StatusUploading, u.Status)
	assert.Equal(t, store.SubstatusReady, u.Substatus)
}

func TestPrepareReusesExistingDataset(t *testing.T) {
	st, pk, u := testFixture(t)
	id := identity.Identity{Username: "cedric"}

	datasets := archive.NewFakeAPI()
	existing := datasets.Seed(archive.Resource{
		"name": "old name",
		"tags": DatasetTags(pk, id),
	})

	p := New(st, datasets)
	require.NoError(t, p.Prepare(context.Background(), pk, id, u))

	// The dataset is updated in place, never duplicated.
	assert.Zero(t, datasets.CreateCalls)
	assert.Equal(t, 1, datasets.UpdateCalls)
	assert.Equal(t, existing.UUID(), u.DatasetUUID)
	assert.Equal(t, "HD5980/Halpha", u.DatasetName)
}

func TestPrepareIsIdempotentAcrossRuns(t *testing.T) {
	st, pk, u := testFixture(t)
	datasets := archive.NewFakeAPI()
	id := identity.Identity{Username: "cedric"}
	p := New(st, datasets)

	require.NoError(t, p.Prepare(context.Background(), pk, id, u))
	firstUUID := u.DatasetUUID

	// A second pass over the same folder creates nothing new.
	second, _, err := st.GetOrCreate(pk.ClearPath())
	require.NoError(t, err)
	second.Status = store.StatusError
	second.Substatus = store.SubstatusError
	second.DatasetUUID = ""
	require.NoError(t, st.Save(second))

	require.NoError(t, p.Prepare(context.Background(), pk, id, second))
	assert.Equal(t, 1, datasets.CreateCalls)
	assert.Equal(t, firstUUID, second.DatasetUUID)
}

func TestPrepareShortCircuitsPreparedRecord(t *testing.T) {
	st, pk, u := testFixture(t)
	datasets := archive.NewFakeAPI()
	p := New(st, datasets)

	u.DatasetUUID = "uuid-kept"
	require.NoError(t, st.Save(u))

	require.NoError(t, p.Prepare(context.Background(), pk, identity.Identity{Username: "cedric"}, u))
	assert.Zero(t, datasets.ListCalls)
	assert.Zero(t, datasets.CreateCalls)
	assert.Equal(t, "uuid-kept", u.DatasetUUID)
	assert.Equal(t, store.StatusUploading, u.Status)
	assert.Equal(t, store.SubstatusReady, u.Substatus)
}

func TestPrepareAmbiguousDatasetFails(t *testing.T) {
	st, pk, u := testFixture(t)
	id := identity.Identity{Username: "cedric"}

	datasets := archive.NewFakeAPI()
	datasets.Seed(archive.Resource{"tags": DatasetTags(pk, id)})
	datasets.Seed(archive.Resource{"tags": DatasetTags(pk, id)})

	p := New(st, datasets)
	err := p.Prepare(context.Background(), pk, id, u)
	require.ErrorIs(t, err, ErrAmbiguousDataset)
	assert.Equal(t, store.StatusError, u.Status)
	assert.NotEmpty(t, u.Error)
}

func TestPrepareAmbiguousEscapeHatch(t *testing.T) {
	st, pk, u := testFixture(t)
	id := identity.Identity{Username: "cedric"}

	datasets := archive.NewFakeAPI()
	first := datasets.Seed(archive.Resource{"tags": DatasetTags(pk, id)})
	datasets.Seed(archive.Resource{"tags": DatasetTags(pk, id)})

	p := New(st, datasets, WithAllowAmbiguous(true))
	require.NoError(t, p.Prepare(context.Background(), pk, id, u))
	assert.Equal(t, first.UUID(), u.DatasetUUID)
}

func TestPrepareRetriesTimeoutOnce(t *testing.T) {
	st, pk, u := testFixture(t)
	datasets := archive.NewFakeAPI()
	datasets.TimeoutsBeforeSuccess = 1

	p := New(st, datasets)
	require.NoError(t, p.Prepare(context.Background(), pk, identity.Identity{Username: "cedric"}, u))
	assert.Equal(t, 2, datasets.ListCalls)
	assert.Equal(t, store.SubstatusReady, u.Substatus)
}

func TestPrepareSearchFailureRecordsError(t *testing.T) {
	st, pk, u := testFixture(t)
	datasets := archive.NewFakeAPI()
	datasets.ListErr = errors.New("server exploded")

	p := New(st, datasets)
	err := p.Prepare(context.Background(), pk, identity.Identity{Username: "cedric"}, u)
	require.Error(t, err)
	assert.Equal(t, store.StatusError, u.Status)
	assert.Contains(t, u.Error, "server exploded")

	loaded, err := st.GetByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, loaded.Status)
}

func TestPrepareTelescopeFailureIsNonFatal(t *testing.T) {
	st, pk, u := testFixture(t)
	id := identity.Identity{Username: "cedric", Telescope: "t-404"}

	datasets := archive.NewFakeAPI()
	telescopes := archive.NewFakeAPI() // empty: lookup will 404

	p := New(st, datasets, WithTelescopes(telescopes))
	require.NoError(t, p.Prepare(context.Background(), pk, id, u))
	assert.Empty(t, u.TelescopeUUID)
	assert.Equal(t, store.SubstatusReady, u.Substatus)
}

func TestPrepareResolvesTelescope(t *testing.T) {
	st, pk, u := testFixture(t)

	telescopes := archive.NewFakeAPI()
	scope := telescopes.Seed(archive.Resource{"name": "IRiS"})
	id := identity.Identity{Username: "cedric", Telescope: scope.UUID()}

	p := New(st, archive.NewFakeAPI(), WithTelescopes(telescopes))
	require.NoError(t, p.Prepare(context.Background(), pk, id, u))
	assert.Equal(t, scope.UUID(), u.TelescopeUUID)
	assert.Equal(t, "IRiS", u.TelescopeName)
}

func TestDatasetTags(t *testing.T) {
	pk := pack.New("/data/telescope", "/data/telescope/Biases/b.fits", datafile.Header{})

	plain := DatasetTags(pk, identity.Identity{})
	assert.Equal(t, []string{
		"oort|folder|Biases",
		"oort|root|/data/telescope",
	}, plain)

	withScope := DatasetTags(pk, identity.Identity{Telescope: "t-1"})
	assert.Contains(t, withScope, "oort|telescope|t-1")
}
