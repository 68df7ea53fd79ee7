// Package datafile extracts observation metadata from astronomical data
// files. Only the pieces the upload pipeline needs are read: an optional
// observation timestamp and an optional target name, taken from FITS header
// cards or from the XML header of XISF files.
package datafile

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Header holds the metadata scanned from a data file. Both fields are
// optional: a file with no parsable date is still uploadable, it is just
// skipped later with an explicit substatus.
type Header struct {
	Date   *time.Time
	Target string
}

// HasDate reports whether a valid observation date was found.
func (h Header) HasDate() bool {
	return h.Date != nil
}

var fitsExtensions = []string{
	".fits", ".fit", ".fts", ".ft", ".mt",
	".imfits", ".imfit", ".uvfits", ".uvfit",
	".pha", ".rmf", ".arf", ".rsp", ".pi",
}

var xisfExtensions = []string{".xisf"}

var zipExtensions = []string{".gz", ".bz2", ".gzip", ".bzip2", ".zip"}

// IsZipExtension reports whether ext is a recognized compression suffix.
func IsZipExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, z := range zipExtensions {
		if ext == z {
			return true
		}
	}
	return false
}

// dataExtension returns the data-format extension of a path, looking through
// a trailing compression suffix ("m31.fits.gz" -> ".fits").
func dataExtension(path string) string {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if IsZipExtension(ext) {
		base = strings.TrimSuffix(base, filepath.Ext(base))
		ext = strings.ToLower(filepath.Ext(base))
	}
	return ext
}

// IsFITS reports whether the path looks like a FITS file, zipped or not.
func IsFITS(path string) bool {
	ext := dataExtension(path)
	for _, e := range fitsExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// IsXISF reports whether the path looks like a XISF file, zipped or not.
func IsXISF(path string) bool {
	ext := dataExtension(path)
	for _, e := range xisfExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// IsDataFile reports whether the path is one of the supported data formats.
func IsDataFile(path string) bool {
	return IsFITS(path) || IsXISF(path)
}

// Scan reads the header of the file at path. It never fails: any read or
// parse problem simply degrades to an empty Header.
func Scan(path string) Header {
	switch {
	case IsFITS(path):
		return scanFITS(path)
	case IsXISF(path):
		return scanXISF(path)
	default:
		return Header{}
	}
}

func openMaybeZipped(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &zipReadCloser{Reader: zr, file: f}, nil
	case ".bz2", ".bzip2":
		return &zipReadCloser{Reader: bzip2.NewReader(f), file: f}, nil
	default:
		return f, nil
	}
}

type zipReadCloser struct {
	io.Reader
	file *os.File
}

func (z *zipReadCloser) Close() error { return z.file.Close() }

const (
	fitsBlockSize = 2880
	fitsCardSize  = 80
	// Corrupted files can present arbitrarily long headers. Bound the scan
	// rather than trusting the END card to show up.
	maxFITSBlocks = 64
)

func scanFITS(path string) Header {
	r, err := openMaybeZipped(path)
	if err != nil {
		return Header{}
	}
	defer r.Close()

	var hdr Header
	block := make([]byte, fitsBlockSize)
	for i := 0; i < maxFITSBlocks; i++ {
		if _, err := io.ReadFull(r, block); err != nil {
			return hdr
		}
		for off := 0; off+fitsCardSize <= fitsBlockSize; off += fitsCardSize {
			card := block[off : off+fitsCardSize]
			key := strings.TrimRight(string(card[:8]), " ")
			if key == "END" {
				return hdr
			}
			value, ok := cardValue(card)
			if !ok {
				continue
			}
			switch key {
			case "DATE-OBS", "DATE_OBS", "DATE":
				if hdr.Date == nil {
					hdr.Date = parseObsDate(value)
				}
			case "OBJECT":
				if hdr.Target == "" {
					hdr.Target = value
				}
			}
			if hdr.Date != nil && hdr.Target != "" {
				return hdr
			}
		}
	}
	return hdr
}

// cardValue extracts the value field of an 80-byte FITS header card.
func cardValue(card []byte) (string, bool) {
	if len(card) < 10 || card[8] != '=' {
		return "", false
	}
	raw := string(card[9:])
	if i := strings.LastIndex(raw, "/"); i >= 0 && !strings.Contains(raw[:i], "'") {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "'") {
		raw = strings.TrimPrefix(raw, "'")
		if i := strings.Index(raw, "'"); i >= 0 {
			raw = raw[:i]
		}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	return raw, true
}

var obsDateLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"02/01/2006",
}

// parseObsDate parses a header date in the file's local time, matching the
// noon-to-noon night boundary rule applied downstream.
func parseObsDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range obsDateLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return &t
		}
	}
	return nil
}

// XISF headers are XML documents embedded at the start of the file. The
// scan reads until the closing tag rather than trusting the declared length.
const maxXISFHeader = 1 << 20

func scanXISF(path string) Header {
	r, err := openMaybeZipped(path)
	if err != nil {
		return Header{}
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, maxXISFHeader))
	if err != nil && len(raw) == 0 {
		return Header{}
	}
	start := bytes.Index(raw, []byte("<xisf"))
	if start < 0 {
		return Header{}
	}
	end := bytes.Index(raw, []byte("</xisf>"))
	if end < 0 {
		return Header{}
	}
	return parseXISFHeader(raw[start : end+len("</xisf>")])
}

func parseXISFHeader(header []byte) Header {
	var hdr Header
	dec := xml.NewDecoder(bytes.NewReader(header))
	for {
		tok, err := dec.Token()
		if err != nil {
			return hdr
		}
		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "FITSKeyword" {
			continue
		}
		var name, value string
		for _, attr := range el.Attr {
			switch attr.Name.Local {
			case "name":
				name = attr.Value
			case "value":
				value = strings.TrimSpace(strings.Trim(attr.Value, "'"))
			}
		}
		switch name {
		case "DATE-OBS", "DATE_OBS", "DATE":
			if hdr.Date == nil {
				hdr.Date = parseObsDate(value)
			}
		case "OBJECT":
			if hdr.Target == "" {
				hdr.Target = value
			}
		}
		if hdr.Date != nil && hdr.Target != "" {
			return hdr
		}
	}
}
