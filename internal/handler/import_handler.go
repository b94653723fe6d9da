package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/view"
)

// ImportServiceInterface は輸入ハンドラーが必要とするカタログAPIの操作。
type ImportServiceInterface interface {
	ListImports(ctx context.Context, userID string) ([]model.Import, error)
	DeleteImport(ctx context.Context, userID, id string) error
}

// ImportHandler は自分の輸入の一覧・取り消しのHTTPハンドラー。
type ImportHandler struct {
	service ImportServiceInterface
	pages   *pages
	logger  *slog.Logger
}

// NewImportHandler はImportHandlerを生成する。
func NewImportHandler(service ImportServiceInterface, pages *pages, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{
		service: service,
		pages:   pages,
		logger:  logger,
	}
}

// MyImports は自分の輸入を表示する。商品データが欠落した輸入は件数だけ警告する。
// GET /my-import
func (h *ImportHandler) MyImports(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	imports, err := h.service.ListImports(r.Context(), userID)
	if err != nil {
		h.logger.Error("輸入一覧の取得に失敗しました", slog.String("error", err.Error()))
		notifierOf(r).Error("Failed to fetch imports")
	}

	data := view.ImportsData{}
	for _, imp := range imports {
		if imp.Product == nil {
			data.MissingCount++
			continue
		}
		data.Imports = append(data.Imports, imp)
	}
	if data.MissingCount > 0 {
		h.logger.Warn("商品データが欠落した輸入があります",
			slog.Int("missing_count", data.MissingCount),
		)
	}

	h.pages.render(w, r, http.StatusOK, view.PageMyImport, "My Imports", data)
}

// Remove は輸入を取り消す。
// POST /my-import/{id}/remove
func (h *ImportHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.service.DeleteImport(r.Context(), userID, id); err != nil {
		h.logger.Error("輸入の取り消しに失敗しました",
			slog.String("import_id", id),
			slog.String("error", err.Error()),
		)
		notifierOf(r).Error("Failed to remove import")
		redirectAfterPost(w, r, "/my-import")
		return
	}

	notifierOf(r).Success("Import removed successfully!")
	redirectAfterPost(w, r, "/my-import")
}
