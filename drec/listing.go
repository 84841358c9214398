package drec

import (
	"path"
	"sort"
	"strings"
)

// DefaultExtensionPriority orders the files of one record: descriptor first so the
// trigger time can be read from the first staged file.
var DefaultExtensionPriority = []string{".cfg", ".cff", ".zip", ".dat", ".hdr", ".inf"}

// RecordGroup is the set of remote files sharing one base name.
type RecordGroup []RemoteEntry

func (g RecordGroup) Stem() string {
	if len(g) == 0 {
		return ""
	}
	return g[0].Stem()
}

// NormalizeListing converts separators, sorts by path, drops entries outside subdir
// and bare directory markers, and optionally removes zipped-header duplicates
// ("<name>h.zip" next to "<name>.zip"). An empty subdir disables directory filtering.
func NormalizeListing(entries []RemoteEntry, subdir string, dropZippedHeaders bool) []RemoteEntry {
	sorted := make([]RemoteEntry, 0, len(entries))
	for _, e := range entries {
		e.Path = strings.ReplaceAll(e.Path, "\\", "/")
		sorted = append(sorted, e)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	filtered := sorted[:0]
	for _, e := range sorted {
		if !strings.Contains(e.Path, subdir) {
			continue
		}
		// "COMTRADE/" and similar directory placeholders
		if strings.HasSuffix(e.Path, "/") || e.Path == "" {
			continue
		}
		filtered = append(filtered, e)
	}
	if !dropZippedHeaders {
		return filtered
	}

	present := make(map[string]struct{}, len(filtered))
	for _, e := range filtered {
		present[e.Path] = struct{}{}
	}
	out := make([]RemoteEntry, 0, len(filtered))
	for _, e := range filtered {
		if strings.HasSuffix(strings.ToLower(e.Path), "h.zip") {
			sibling := e.Path[:len(e.Path)-5] + e.Path[len(e.Path)-4:]
			if _, ok := present[sibling]; ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// OrderByExtension reorders each same-stem run of a path-sorted listing by priority.
// Extensions missing from priority follow in their original relative order.
func OrderByExtension(sorted []RemoteEntry, priority []string) []RemoteEntry {
	out := make([]RemoteEntry, 0, len(sorted))
	for _, run := range stemRuns(sorted) {
		used := make([]bool, len(run))
		for _, ext := range priority {
			ext = strings.ToLower(ext)
			for i, e := range run {
				if !used[i] && e.Ext() == ext {
					out = append(out, e)
					used[i] = true
				}
			}
		}
		for i, e := range run {
			if !used[i] {
				out = append(out, e)
			}
		}
	}
	return out
}

// GroupRecords splits an ordered listing into same-stem groups.
func GroupRecords(ordered []RemoteEntry) []RecordGroup {
	runs := stemRuns(ordered)
	groups := make([]RecordGroup, 0, len(runs))
	for _, run := range runs {
		groups = append(groups, RecordGroup(run))
	}
	return groups
}

// GroupListing is NormalizeListing, OrderByExtension and GroupRecords in sequence.
func GroupListing(entries []RemoteEntry, subdir string, priority []string) []RecordGroup {
	if priority == nil {
		priority = DefaultExtensionPriority
	}
	return GroupRecords(OrderByExtension(NormalizeListing(entries, subdir, true), priority))
}

// CleanRemoteDir puts a configured device directory in the form remote sources
// emit in listing paths: forward slashes, no "." segments, no trailing slash.
// The device root is "".
func CleanRemoteDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	dir = path.Clean(strings.ReplaceAll(dir, "\\", "/"))
	if dir == "." {
		return ""
	}
	return dir
}

// stemRuns cuts the listing wherever the basename stem changes.
func stemRuns(entries []RemoteEntry) [][]RemoteEntry {
	var runs [][]RemoteEntry
	start := 0
	for i := range entries {
		if i == len(entries)-1 || entries[i].Stem() != entries[i+1].Stem() {
			runs = append(runs, entries[start:i+1])
			start = i + 1
		}
	}
	return runs
}

func remoteBasenames(entries []RemoteEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, path.Base(e.Path))
	}
	return out
}
