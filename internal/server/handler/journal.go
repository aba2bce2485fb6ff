package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// ArchiveLister lists uploaded journal files.
type ArchiveLister interface {
	Archives(ctx context.Context) ([]domain.BlobInfo, error)
}

// JournalRunner triggers and reports archive passes.
type JournalRunner interface {
	RunOnce(ctx context.Context) (domain.ArchiveResult, error)
	Last() (domain.ArchiveResult, int)
}

// JournalHandler serves the audit journal endpoints.
type JournalHandler struct {
	archives ArchiveLister
	runner   JournalRunner
	logger   *slog.Logger
}

// NewJournalHandler creates a JournalHandler.
func NewJournalHandler(archives ArchiveLister, runner JournalRunner, logger *slog.Logger) *JournalHandler {
	return &JournalHandler{archives: archives, runner: runner, logger: logger}
}

type archiveFile struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

type archiveResultView struct {
	Files   []string `json:"files"`
	Entries int      `json:"entries"`
	LastID  int64    `json:"last_id"`
}

type journalResponse struct {
	Files []archiveFile      `json:"files"`
	Runs  int               `json:"runs"`
	Last  archiveResultView `json:"last"`
}

// ListArchives returns the uploaded journal files and the last pass result.
// GET /api/journal
func (h *JournalHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	infos, err := h.archives.Archives(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	last, runs := h.runner.Last()
	resp := journalResponse{
		Files: make([]archiveFile, 0, len(infos)),
		Runs:  runs,
		Last:  newArchiveResultView(last),
	}
	for _, info := range infos {
		resp.Files = append(resp.Files, archiveFile{
			Key:          info.Path,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunArchive runs one archive pass immediately.
// POST /api/journal/run
func (h *JournalHandler) RunArchive(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.RunOnce(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive pass failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "archive pass failed")
		return
	}
	writeJSON(w, http.StatusOK, newArchiveResultView(res))
}

func newArchiveResultView(res domain.ArchiveResult) archiveResultView {
	files := res.Files
	if files == nil {
		files = []string{}
	}
	return archiveResultView{Files: files, Entries: res.Entries, LastID: res.LastID}
}
