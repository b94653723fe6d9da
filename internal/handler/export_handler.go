package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tradehub/internal/catalog"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/view"
)

// ExportServiceInterface は輸出品ハンドラーが必要とするカタログAPIの操作。
type ExportServiceInterface interface {
	ListExports(ctx context.Context, userID string) ([]model.Export, error)
	CreateExport(ctx context.Context, userID string, in model.ExportInput) (*model.Export, error)
	UpdateExport(ctx context.Context, userID, id string, in model.ExportInput) (*model.Export, error)
	DeleteExport(ctx context.Context, userID, id string) error
}

// ImageChecker は画像URLを検証する。security.ImageProbeが実装する。
type ImageChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// ExportSanitizer はフォーム入力からマークアップを取り除く。security.TextSanitizerが実装する。
type ExportSanitizer interface {
	CleanExport(in model.ExportInput) model.ExportInput
}

// ExportHandler は自分の輸出品の一覧・登録・更新・削除のHTTPハンドラー。
type ExportHandler struct {
	service   ExportServiceInterface
	images    ImageChecker
	sanitizer ExportSanitizer
	pages     *pages
	logger    *slog.Logger
}

// NewExportHandler はExportHandlerを生成する。
func NewExportHandler(service ExportServiceInterface, images ImageChecker, sanitizer ExportSanitizer, pages *pages, logger *slog.Logger) *ExportHandler {
	return &ExportHandler{
		service:   service,
		images:    images,
		sanitizer: sanitizer,
		pages:     pages,
		logger:    logger,
	}
}

// MyExports は自分の輸出品を表示する。
// ?edit={id} で更新ダイアログ、?delete={id} で削除確認ダイアログを開く。
// GET /my-export
func (h *ExportHandler) MyExports(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	exports := h.listExports(r, userID)
	data := view.ExportsData{Exports: exports}
	if e := findExport(exports, r.URL.Query().Get("edit")); e != nil {
		data.Edit = e
		data.Form = exportFormOf(e)
	} else if e := findExport(exports, r.URL.Query().Get("delete")); e != nil {
		data.Delete = e
	}

	h.pages.render(w, r, http.StatusOK, view.PageMyExport, "My Exports", data)
}

// Update は輸出品を更新する。
// POST /my-export/{id}
func (h *ExportHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	form, in, errMsg := parseExportForm(r)
	if errMsg == "" {
		in = h.sanitizer.CleanExport(in)
		errMsg = h.checkImage(r.Context(), in.Image)
	}
	if errMsg != "" {
		notifierOf(r).Error(errMsg)
		exports := h.listExports(r, userID)
		edit := findExport(exports, id)
		if edit == nil {
			edit = &model.Export{ID: id, Name: form.Name}
		}
		h.pages.render(w, r, http.StatusUnprocessableEntity, view.PageMyExport, "My Exports", view.ExportsData{
			Exports: exports,
			Edit:    edit,
			Form:    form,
			Error:   errMsg,
		})
		return
	}

	if _, err := h.service.UpdateExport(r.Context(), userID, id, in); err != nil {
		h.logger.Error("輸出品の更新に失敗しました",
			slog.String("export_id", id),
			slog.String("error", err.Error()),
		)
		notifierOf(r).Error("Failed to update export")
		redirectAfterPost(w, r, "/my-export?edit="+id)
		return
	}

	notifierOf(r).Success("Export updated successfully!")
	redirectAfterPost(w, r, "/my-export")
}

// Delete は輸出品を削除する。
// POST /my-export/{id}/delete
func (h *ExportHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.service.DeleteExport(r.Context(), userID, id); err != nil {
		h.logger.Error("輸出品の削除に失敗しました",
			slog.String("export_id", id),
			slog.String("error", err.Error()),
		)
		notifierOf(r).Error("Failed to delete export")
		redirectAfterPost(w, r, "/my-export")
		return
	}

	notifierOf(r).Success("Export deleted successfully!")
	redirectAfterPost(w, r, "/my-export")
}

// AddForm は輸出品の登録フォームを表示する。
// GET /add-export
func (h *ExportHandler) AddForm(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, view.PageAddExport, "Add Export", view.AddExportData{})
}

// Add は輸出品を登録し、自分の輸出品一覧へリダイレクトする。
// POST /add-export
func (h *ExportHandler) Add(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	form, in, errMsg := parseExportForm(r)
	if errMsg == "" {
		in = h.sanitizer.CleanExport(in)
		errMsg = h.checkImage(r.Context(), in.Image)
	}
	if errMsg != "" {
		notifierOf(r).Error(errMsg)
		h.pages.render(w, r, http.StatusUnprocessableEntity, view.PageAddExport, "Add Export", view.AddExportData{
			Form:  form,
			Error: errMsg,
		})
		return
	}

	if _, err := h.service.CreateExport(r.Context(), userID, in); err != nil {
		h.logger.Error("輸出品の登録に失敗しました", slog.String("error", err.Error()))
		notifierOf(r).Error(catalog.MessageOf(err, "Failed to add product"))
		h.pages.render(w, r, http.StatusBadGateway, view.PageAddExport, "Add Export", view.AddExportData{
			Form:  form,
			Error: "Failed to add product. Please try again.",
		})
		return
	}

	notifierOf(r).Success("Product added successfully!")
	redirectAfterPost(w, r, "/my-export")
}

func (h *ExportHandler) listExports(r *http.Request, userID string) []model.Export {
	exports, err := h.service.ListExports(r.Context(), userID)
	if err != nil {
		h.logger.Error("輸出品一覧の取得に失敗しました", slog.String("error", err.Error()))
		notifierOf(r).Error("Failed to fetch exports")
		return nil
	}
	return exports
}

// checkImage は画像URLを検証し、問題があれば表示文言を返す。
func (h *ExportHandler) checkImage(ctx context.Context, rawURL string) string {
	if h.images == nil {
		return ""
	}
	if err := h.images.Check(ctx, rawURL); err != nil {
		h.logger.Info("画像URLの検証に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return "Image URL must be a reachable public image"
	}
	return ""
}

func findExport(exports []model.Export, id string) *model.Export {
	if id == "" {
		return nil
	}
	for i := range exports {
		if exports[i].ID == id {
			return &exports[i]
		}
	}
	return nil
}
