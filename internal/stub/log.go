package stub

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	job := r.PathValue("job")
	if s.cfg.LogDir == "" || strings.ContainsAny(job, `/\`) || job == ".." {
		writeError(w, http.StatusNotFound, "job "+job+" has no log")
		return
	}
	f, err := os.Open(filepath.Join(s.cfg.LogDir, job+".log"))
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "job "+job+" has no log")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		_, _ = io.Copy(w, f)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	zw := gzip.NewWriter(w)
	defer zw.Close()
	if _, err := io.Copy(zw, f); err != nil {
		s.logger.Debug("log stream aborted", "job", job, "err", err)
	}
}
