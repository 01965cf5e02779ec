package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/orchestrator"
)

const (
	defaultFolderLimit = 100
	maxFolderLimit     = 1000
)

type statusResponse struct {
	Crawl      *orchestrator.Status   `json:"crawl,omitempty"`
	Folders    crawler.FolderProgress `json:"folders"`
	Remaining  int                    `json:"folders_remaining"`
	Checkpoint *checkpointDTO         `json:"checkpoint,omitempty"`
}

type checkpointDTO struct {
	LastProcessedFolder string    `json:"last_processed_folder"`
	Timestamp           time.Time `json:"timestamp"`
}

type folderDTO struct {
	Path      string `json:"path"`
	Processed bool   `json:"processed"`
}

// getStatus handles GET /v1/status: the live orchestrator state plus the
// durable worklist progress and checkpoint.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	ctx := r.Context()
	var resp statusResponse
	if s.crawl != nil {
		st := s.crawl.Status()
		resp.Crawl = &st
	}
	progress, err := s.store.FolderProgress(ctx)
	if err != nil {
		s.logger.Error("folder progress failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load folder progress")
		return
	}
	resp.Folders = progress
	resp.Remaining = progress.Remaining()
	cp, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		s.logger.Error("get checkpoint failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	if cp != nil {
		resp.Checkpoint = &checkpointDTO{LastProcessedFolder: cp.LastProcessedFolder, Timestamp: cp.Timestamp.UTC()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// listFolders handles GET /v1/folders?processed=&limit=&offset=. It returns
// {"folders": [...], "total": n} where total counts matches before paging.
func (s *Server) listFolders(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultFolderLimit, maxFolderLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var want *bool
	if raw := r.URL.Query().Get("processed"); raw != "" {
		v, perr := strconv.ParseBool(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid processed filter")
			return
		}
		want = &v
	}
	folders, err := s.store.ListFolders(r.Context())
	if err != nil {
		s.logger.Error("list folders failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list folders")
		return
	}
	matched := make([]folderDTO, 0, len(folders))
	for _, f := range folders {
		if want != nil && f.Processed != *want {
			continue
		}
		matched = append(matched, folderDTO{Path: f.Path, Processed: f.Processed})
	}
	total := len(matched)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"folders": matched[start:end],
		"total":   total,
	})
}

// getReport handles GET /v1/report with the last completed aggregation.
func (s *Server) getReport(w http.ResponseWriter, _ *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "reports unavailable")
		return
	}
	rep, ok := s.reports.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed crawl")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// cancelCrawl handles POST /v1/cancel. The crawl stops after in-flight
// batches commit; 409 means nothing was running.
func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	if s.crawl == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	if !s.crawl.Cancel() {
		writeError(w, http.StatusConflict, "no crawl running")
		return
	}
	s.logger.Info("cancel requested", zap.String("request_id", requestID(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
