// Package pack classifies a raw file path observed under a watched root into
// the typed metadata the upload pipeline works with: resource type
// (observation vs calibration), dataset name, and night-log date.
//
// Classification is a pure function of the folder layout and the file
// header. It is total: every path yields a pack, even when no observation
// date could be read (such files are skipped later, with an explicit
// substatus, instead of failing here).
package pack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arcsecond-io/oort/internal/datafile"
)

// ResourceType discriminates the two kinds of remote resources a data file
// can belong to.
type ResourceType string

const (
	ResourceObservation ResourceType = "observation"
	ResourceCalibration ResourceType = "calibration"
)

// CollectionName returns the pluralized remote collection name.
func (t ResourceType) CollectionName() string {
	return string(t) + "s"
}

// calibPrefixes mark a folder as holding calibration frames. Matching is a
// case-insensitive substring test, so "Biases123" and "SkyFlats" both match.
var calibPrefixes = []string{"bias", "dark", "flats", "calib"}

// UploadPack is the classified metadata bundle for one observed file. It is
// recomputed on every pass and never persisted directly; the durable state
// lives in the upload record it drives.
type UploadPack struct {
	RootPath    string
	FilePath    string
	Header      datafile.Header
	Type        ResourceType
	DatasetName string
	FileSize    int64
}

// New classifies the file at filePath under rootPath. hdr carries whatever
// metadata could be read from the file itself.
func New(rootPath, filePath string, hdr datafile.Header) *UploadPack {
	p := &UploadPack{
		RootPath: filepath.Clean(rootPath),
		FilePath: filePath,
		Header:   hdr,
	}
	p.Type, p.DatasetName = classify(p.RootPath, filePath)
	if info, err := os.Stat(p.ClearPath()); err == nil {
		p.FileSize = info.Size()
	} else if info, err := os.Stat(p.ZippedPath()); err == nil {
		p.FileSize = info.Size()
	}
	return p
}

// classify derives the resource type and dataset name from the folder
// segments between the root and the file. Only the last two segments are
// considered for the calibration test: deeper calibration trees are treated
// as plain observations of oddly named targets.
func classify(rootPath, filePath string) (ResourceType, string) {
	relDir, err := filepath.Rel(rootPath, filepath.Dir(filePath))
	if err != nil || relDir == "." || relDir == "" {
		return ResourceObservation, syntheticDatasetName(rootPath)
	}
	segments := strings.Split(filepath.ToSlash(relDir), "/")

	parent := segments[len(segments)-1]
	if isCalibFolder(parent) {
		return ResourceCalibration, parent
	}
	if len(segments) >= 2 {
		above := segments[len(segments)-2]
		if isCalibFolder(above) {
			// Filter subfolder inside a calibration folder, e.g. Flats/U.
			return ResourceCalibration, above + "/" + parent
		}
	}
	return ResourceObservation, strings.Join(segments, "/")
}

func isCalibFolder(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range calibPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// syntheticDatasetName names the dataset for files sitting directly inside
// the root folder. It must be deterministic so that re-classifying a file
// resolves to the same dataset.
func syntheticDatasetName(rootPath string) string {
	sum := sha256.Sum256([]byte(filepath.Base(rootPath)))
	return "Untitled-" + hex.EncodeToString(sum[:])[:8]
}

// HasDate reports whether a valid observation date was read from the file.
func (p *UploadPack) HasDate() bool {
	return p.Header.HasDate()
}

// NightLogDate returns the noon-to-noon observing night the file belongs
// to: an exposure taken before local noon counts toward the previous
// calendar date's night.
func (p *UploadPack) NightLogDate() string {
	if !p.HasDate() {
		return ""
	}
	d := *p.Header.Date
	if d.Hour() < 12 {
		d = d.AddDate(0, 0, -1)
	}
	return d.Format("2006-01-02")
}

// TargetName returns the target read from the header, falling back to the
// root folder name.
func (p *UploadPack) TargetName() string {
	if t := strings.TrimSpace(p.Header.Target); t != "" {
		return t
	}
	return filepath.Base(p.RootPath)
}

// RemoteCollectionName is the pluralized remote collection this pack's
// resource lives in ("observations" or "calibrations").
func (p *UploadPack) RemoteCollectionName() string {
	return p.Type.CollectionName()
}

// RootName returns the name of the watched root folder.
func (p *UploadPack) RootName() string {
	return filepath.Base(p.RootPath)
}

// FileName returns the name of the file to upload, zipped or not.
func (p *UploadPack) FileName() string {
	return filepath.Base(p.UploadPath())
}

// ClearPath is the uncompressed file path, whichever of the clear and
// zipped paths was actually observed. It is the stable key of the upload
// record, shared by a file and its zipped counterpart.
func (p *UploadPack) ClearPath() string {
	return ClearPathOf(p.FilePath)
}

// ClearPathOf strips a trailing compression extension, mapping a file and
// its zipped counterpart to the same record key.
func ClearPathOf(path string) string {
	ext := filepath.Ext(path)
	if datafile.IsZipExtension(ext) && strings.Count(filepath.Base(path), ".") > 1 {
		return strings.TrimSuffix(path, ext)
	}
	return path
}

// ZippedPath is the compressed counterpart of the observed path.
func (p *UploadPack) ZippedPath() string {
	if datafile.IsZipExtension(filepath.Ext(p.FilePath)) {
		return p.FilePath
	}
	return p.FilePath + ".gz"
}

// UploadPath is the path whose bytes will actually be transferred: the
// zipped file when it exists, the clear one otherwise.
func (p *UploadPack) UploadPath() string {
	if _, err := os.Stat(p.ZippedPath()); err == nil {
		return p.ZippedPath()
	}
	return p.ClearPath()
}

// IsHidden reports whether the observed file itself is hidden.
func (p *UploadPack) IsHidden() bool {
	return strings.HasPrefix(filepath.Base(p.FilePath), ".")
}

// IsEmpty reports whether neither the clear nor the zipped file holds any
// bytes.
func (p *UploadPack) IsEmpty() bool {
	return p.FileSize == 0
}

// IsDataFile reports whether the file is one of the supported astronomical
// data formats.
func (p *UploadPack) IsDataFile() bool {
	return datafile.IsDataFile(p.FilePath)
}

// ZippedSize returns the on-disk size of the zipped counterpart, or 0 when
// it does not exist.
func (p *UploadPack) ZippedSize() int64 {
	if info, err := os.Stat(p.ZippedPath()); err == nil {
		return info.Size()
	}
	return 0
}

// ClearSize returns the on-disk size of the clear file, or 0 when it does
// not exist.
func (p *UploadPack) ClearSize() int64 {
	if info, err := os.Stat(p.ClearPath()); err == nil {
		return info.Size()
	}
	return 0
}

func (p *UploadPack) String() string {
	return fmt.Sprintf("%s dataset=%q (%s)", p.FileName(), p.DatasetName, p.Type)
}

// NightLogDateOf applies the noon-to-noon rule to an arbitrary timestamp.
// Exposed for callers which have a date but no pack, e.g. provenance tags.
func NightLogDateOf(t time.Time) string {
	if t.Hour() < 12 {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format("2006-01-02")
}
