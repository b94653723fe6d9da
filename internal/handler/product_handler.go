package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tradehub/internal/catalog"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/view"
)

// ProductServiceInterface は商品ハンドラーが必要とするカタログAPIの操作。
type ProductServiceInterface interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	LatestProducts(ctx context.Context) ([]model.Product, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	CreateImport(ctx context.Context, userID, productID string, quantity int) error
}

// ProductHandler はホーム・商品一覧・商品詳細・輸入登録のHTTPハンドラー。
type ProductHandler struct {
	service ProductServiceInterface
	pages   *pages
	logger  *slog.Logger
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(service ProductServiceInterface, pages *pages, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{
		service: service,
		pages:   pages,
		logger:  logger,
	}
}

// Home は最新の商品を表示する。
// GET /
func (h *ProductHandler) Home(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.LatestProducts(r.Context())
	if err != nil {
		h.logger.Error("最新商品の取得に失敗しました", slog.String("error", err.Error()))
		notifierOf(r).Error("Failed to fetch latest products")
		products = nil
	}
	h.pages.render(w, r, http.StatusOK, view.PageHome, "", view.ProductsData{Products: products})
}

// AllProducts は全商品を表示する。
// GET /all-products
func (h *ProductHandler) AllProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("商品一覧の取得に失敗しました", slog.String("error", err.Error()))
		notifierOf(r).Error("Failed to fetch products")
		products = nil
	}
	h.pages.render(w, r, http.StatusOK, view.PageAllProducts, "All Products", view.ProductsData{Products: products})
}

// Detail は商品詳細を表示する。?import=1 の場合は輸入ダイアログを開く。
// GET /products/{id}
func (h *ProductHandler) Detail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, ok := h.fetchProduct(w, r, id)
	if !ok {
		return
	}

	h.pages.render(w, r, http.StatusOK, view.PageProduct, productTitle(product), view.ProductData{
		Product:    product,
		ShowImport: product != nil && r.URL.Query().Get("import") == "1",
		Quantity:   1,
	})
}

// Import は輸入を登録し、商品詳細を再取得させる。
// 数量は1以上かつ在庫数以下でなければならない。
// POST /products/{id}/import
func (h *ProductHandler) Import(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	detailPath := "/products/" + id

	product, ok := h.fetchProduct(w, r, id)
	if !ok {
		return
	}
	if product == nil {
		redirectAfterPost(w, r, detailPath)
		return
	}

	quantity, err := strconv.Atoi(r.PostFormValue("quantity"))
	if err != nil || quantity < 1 || quantity > product.AvailableQuantity {
		apiErr := model.NewInvalidQuantityError(quantity, product.AvailableQuantity)
		notifierOf(r).Error(apiErr.Message)
		h.pages.render(w, r, http.StatusUnprocessableEntity, view.PageProduct, productTitle(product), view.ProductData{
			Product:    product,
			ShowImport: true,
			Quantity:   quantity,
			Error:      apiErr.Message,
		})
		return
	}

	n := notifierOf(r)
	token := n.Loading("Importing product...")
	err = h.service.CreateImport(r.Context(), userID, product.ID, quantity)
	n.Dismiss(token)
	if err != nil {
		h.logger.Error("輸入の登録に失敗しました",
			slog.String("product_id", product.ID),
			slog.String("error", err.Error()),
		)
		n.Error(catalog.MessageOf(err, "Failed to import product"))
		redirectAfterPost(w, r, detailPath+"?import=1")
		return
	}

	n.Success("Product imported successfully!")
	redirectAfterPost(w, r, detailPath)
}

// fetchProduct は商品を取得する。存在しない場合は404ページを描画してfalseを返す。
// その他の失敗時はエラー通知を出してnilとtrueを返す。
func (h *ProductHandler) fetchProduct(w http.ResponseWriter, r *http.Request, id string) (*model.Product, bool) {
	product, err := h.service.GetProduct(r.Context(), id)
	if err == nil {
		return product, true
	}

	var cerr *catalog.Error
	if errors.As(err, &cerr) && cerr.StatusCode == http.StatusNotFound {
		notifierOf(r).Error(model.NewProductNotFoundError(id).Message)
		h.pages.render(w, r, http.StatusNotFound, view.PageNotFound, "Not Found", nil)
		return nil, false
	}

	h.logger.Error("商品詳細の取得に失敗しました",
		slog.String("product_id", id),
		slog.String("error", err.Error()),
	)
	notifierOf(r).Error("Failed to fetch product details")
	return nil, true
}

func productTitle(p *model.Product) string {
	if p == nil {
		return "Product"
	}
	return p.Name
}
