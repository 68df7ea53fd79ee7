package pack

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcsecond-io/oort/internal/datafile"
)

func headerWithDate(t *testing.T, value string) datafile.Header {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02T15:04:05", value, time.Local)
	require.NoError(t, err)
	return datafile.Header{Date: &d}
}

func TestClassifyCalibrationFolder(t *testing.T) {
	root := filepath.Join("/data", "telescope")

	tests := []struct {
		name        string
		path        string
		wantType    ResourceType
		wantDataset string
	}{
		{
			name:        "biases folder",
			path:        filepath.Join(root, "Biases123", "b1.fits"),
			wantType:    ResourceCalibration,
			wantDataset: "Biases123",
		},
		{
			name:        "darks folder",
			path:        filepath.Join(root, "Darks", "d1.fits"),
			wantType:    ResourceCalibration,
			wantDataset: "Darks",
		},
		{
			name:        "filter subfolder of a flats folder",
			path:        filepath.Join(root, "Flats", "U", "f1.fits"),
			wantType:    ResourceCalibration,
			wantDataset: "Flats/U",
		},
		{
			name:        "mixed case substring match",
			path:        filepath.Join(root, "SkyFlats", "f1.fits"),
			wantType:    ResourceCalibration,
			wantDataset: "SkyFlats",
		},
		{
			name:        "observation target folder",
			path:        filepath.Join(root, "HD5980", "Halpha", "img.fits"),
			wantType:    ResourceObservation,
			wantDataset: "HD5980/Halpha",
		},
		{
			name:        "single observation folder",
			path:        filepath.Join(root, "NGC6946", "img.fits"),
			wantType:    ResourceObservation,
			wantDataset: "NGC6946",
		},
		{
			name: "calibration folder buried deeper than two levels",
			path: filepath.Join(root, "Biases", "run1", "extra", "b1.fits"),
			// Only the last two segments count for the calibration test.
			wantType:    ResourceObservation,
			wantDataset: "Biases/run1/extra",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(root, tt.path, datafile.Header{})
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, tt.wantDataset, p.DatasetName)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	root := "/data/telescope"
	path := filepath.Join(root, "HD5980", "Halpha", "img.fits")
	first := New(root, path, datafile.Header{})
	for i := 0; i < 5; i++ {
		again := New(root, path, datafile.Header{})
		assert.Equal(t, first.Type, again.Type)
		assert.Equal(t, first.DatasetName, again.DatasetName)
	}
}

func TestClassifyRootLevelFile(t *testing.T) {
	root := "/data/telescope"
	p := New(root, filepath.Join(root, "stray.fits"), datafile.Header{})
	assert.Equal(t, ResourceObservation, p.Type)
	assert.Regexp(t, `^Untitled-[0-9a-f]{8}$`, p.DatasetName)

	// The synthetic name must be stable across passes.
	again := New(root, filepath.Join(root, "other.fits"), datafile.Header{})
	assert.Equal(t, p.DatasetName, again.DatasetName)
}

func TestNightLogDate(t *testing.T) {
	root := "/data/telescope"
	path := filepath.Join(root, "HD5980", "img.fits")

	evening := New(root, path, headerWithDate(t, "2020-03-21T20:56:35"))
	assert.Equal(t, "2020-03-21", evening.NightLogDate())

	// Before local noon the exposure belongs to the previous night.
	morning := New(root, path, headerWithDate(t, "2020-03-21T07:56:35"))
	assert.Equal(t, "2020-03-20", morning.NightLogDate())

	noDate := New(root, path, datafile.Header{})
	assert.Equal(t, "", noDate.NightLogDate())
}

func TestTargetNameFallsBackToRootName(t *testing.T) {
	root := "/data/telescope"
	path := filepath.Join(root, "HD5980", "img.fits")

	named := New(root, path, datafile.Header{Target: "HD 5980"})
	assert.Equal(t, "HD 5980", named.TargetName())

	anonymous := New(root, path, datafile.Header{})
	assert.Equal(t, "telescope", anonymous.TargetName())
}

func TestClearAndZippedPaths(t *testing.T) {
	root := "/data/telescope"

	clear := New(root, filepath.Join(root, "HD5980", "img.fits"), datafile.Header{})
	assert.Equal(t, filepath.Join(root, "HD5980", "img.fits"), clear.ClearPath())
	assert.Equal(t, filepath.Join(root, "HD5980", "img.fits.gz"), clear.ZippedPath())

	zipped := New(root, filepath.Join(root, "HD5980", "img.fits.gz"), datafile.Header{})
	assert.Equal(t, filepath.Join(root, "HD5980", "img.fits"), zipped.ClearPath())
	assert.Equal(t, filepath.Join(root, "HD5980", "img.fits.gz"), zipped.ZippedPath())

	// A file and its zipped counterpart share one record key.
	assert.Equal(t, clear.ClearPath(), zipped.ClearPath())
}

func TestClearPathOfKeepsBareArchives(t *testing.T) {
	// A file whose only extension is the compression one is not the zipped
	// sibling of anything.
	assert.Equal(t, "/data/archive.gz", ClearPathOf("/data/archive.gz"))
	assert.Equal(t, "/data/img.fits", ClearPathOf("/data/img.fits.gz"))
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "observations", ResourceObservation.CollectionName())
	assert.Equal(t, "calibrations", ResourceCalibration.CollectionName())
}
