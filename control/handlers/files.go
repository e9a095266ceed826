package handlers

import (
	"net/http"

	"github.com/sv4u/blobrotate/download/naming"
	"github.com/sv4u/blobrotate/download/retention"
)

type fileEntry struct {
	retention.File
	Date string `json:"date,omitempty"`
}

// Files handles GET /api/files - the dated files subject to rotation, newest first.
func (h *Handlers) Files(w http.ResponseWriter, r *http.Request) {
	matcher := h.config.Matcher()
	files, err := retention.List(h.config.TargetDir, matcher)
	if err != nil {
		h.logError("files", err)
		writeError(w, http.StatusInternalServerError, "failed to list target directory")
		return
	}

	entries := make([]fileEntry, 0, len(files))
	for _, f := range files {
		entry := fileEntry{File: f}
		if d, ok := matcher.ParseDate(f.Name); ok {
			entry.Date = d.Format(naming.DateLayout)
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target_dir": h.config.TargetDir,
		"keep":       h.config.MaxFiles,
		"scope":      string(h.config.PruneScope),
		"count":      len(entries),
		"files":      entries,
	})
}
