package gtfs

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/xkilldash9x/portalctl/internal/workspace"
)

// RequiredFiles must be present in every GTFS feed. A feed also needs at
// least one of calendar.txt and calendar_dates.txt.
var RequiredFiles = []string{"agency.txt", "stops.txt", "routes.txt", "trips.txt", "stop_times.txt"}

var calendarFiles = []string{"calendar.txt", "calendar_dates.txt"}

// Metadata is the sidecar written next to each downloaded archive.
type Metadata struct {
	AgencyName        string `json:"agency_name"`
	DownloadTimestamp int64  `json:"download_timestamp"`
}

// Finalize links linkName to the downloaded archive and writes the metadata
// sidecar. The link target is relative so the directory can be moved.
func Finalize(dir, archive, linkName, metadataFile, agency string, ts time.Time) error {
	link := filepath.Join(dir, linkName)
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to replace %s: %w", link, err)
	}
	if err := os.Symlink(archive, link); err != nil {
		return fmt.Errorf("failed to link %s: %w", archive, err)
	}
	meta := Metadata{AgencyName: agency, DownloadTimestamp: ts.Unix()}
	return workspace.WriteJSONAtomic(filepath.Join(dir, metadataFile), meta)
}

// ArchiveInfo summarizes a downloaded feed.
type ArchiveInfo struct {
	Size    int64
	SHA256  string
	Files   []string
	Missing []string
}

// Valid reports whether every required GTFS file is present.
func (i *ArchiveInfo) Valid() bool { return len(i.Missing) == 0 }

// Inspect hashes the archive and checks its contents against the GTFS
// required files. Files nested in a single top-level directory count.
func Inspect(file string) (*ArchiveInfo, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", file, err)
	}

	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, fmt.Errorf("%s is not a zip archive: %w", file, err)
	}

	info := &ArchiveInfo{Size: size, SHA256: hex.EncodeToString(h.Sum(nil))}
	present := make(map[string]bool, len(zr.File))
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		info.Files = append(info.Files, zf.Name)
		present[path.Base(zf.Name)] = true
	}

	for _, name := range RequiredFiles {
		if !present[name] {
			info.Missing = append(info.Missing, name)
		}
	}
	if !present[calendarFiles[0]] && !present[calendarFiles[1]] {
		info.Missing = append(info.Missing, calendarFiles[0]+"|"+calendarFiles[1])
	}
	return info, nil
}
