package drec

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// ArchiveDirName is the subdirectory receiving local files that vanished remotely.
const ArchiveDirName = "archive"

// Orphans lists local files (full paths, sorted) in localDir whose names do not end
// with the basename of any entry in the normalized remote listing.
func Orphans(fsys afero.Fs, listing []RemoteEntry, localDir string, subdir string) ([]string, error) {
	remote := remoteBasenames(NormalizeListing(listing, subdir, true))

	infos, err := afero.ReadDir(fsys, localDir)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if !matchesAny(info.Name(), remote) {
			orphans = append(orphans, filepath.Join(localDir, info.Name()))
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

func matchesAny(local string, remote []string) bool {
	for _, r := range remote {
		if strings.HasSuffix(local, r) {
			return true
		}
	}
	return false
}

// ArchivedFile reports one orphan move.
type ArchivedFile struct {
	From string
	To   string
}

// Reconcile moves every orphan in localDir into localDir/archive. Files are never
// deleted. It stops at the first move failure and returns what was moved so far.
func Reconcile(fsys afero.Fs, listing []RemoteEntry, localDir string, subdir string, log zerolog.Logger) ([]ArchivedFile, error) {
	orphans, err := Orphans(fsys, listing, localDir, subdir)
	if err != nil {
		return nil, err
	}
	archiveDir := filepath.Join(localDir, ArchiveDirName)
	moved := make([]ArchivedFile, 0, len(orphans))
	for _, f := range orphans {
		dst, err := MoveFileToDir(fsys, f, archiveDir)
		if err != nil {
			return moved, err
		}
		log.Info().Str("path", f).Str("archive", dst).Msg("moved to archive")
		moved = append(moved, ArchivedFile{From: f, To: dst})
	}
	return moved, nil
}
