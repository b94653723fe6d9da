package view

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/notify"
)

const testAvatar = "https://example.com/default-avatar.png"

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(slog.New(slog.NewTextHandler(io.Discard, nil)), testAvatar)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return r
}

func render(t *testing.T, r *Renderer, status int, name string, page Page) (*httptest.ResponseRecorder, string) {
	t.Helper()
	w := httptest.NewRecorder()
	r.Render(w, status, name, page)
	return w, w.Body.String()
}

func TestNewRenderer_ParsesAllPages(t *testing.T) {
	r := newTestRenderer(t)
	for _, name := range pageNames {
		if _, ok := r.pages[name]; !ok {
			t.Errorf("page %q is not parsed", name)
		}
	}
}

func TestRender_EveryPageWithEmptyData(t *testing.T) {
	r := newTestRenderer(t)
	data := map[string]any{
		PageHome:        ProductsData{},
		PageAllProducts: ProductsData{},
		PageProduct:     ProductData{},
		PageMyExport:    ExportsData{},
		PageAddExport:   AddExportData{},
		PageMyImport:    ImportsData{},
		PageLogin:       LoginData{},
		PageSignup:      SignupData{},
		PagePending:     nil,
		PageNotFound:    nil,
	}
	for name, d := range data {
		t.Run(name, func(t *testing.T) {
			w, _ := render(t, r, http.StatusOK, name, Page{Data: d})
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestRender_UnknownPage_Returns500(t *testing.T) {
	r := newTestRenderer(t)
	w, _ := render(t, r, http.StatusOK, "nope", Page{})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestRender_NavHiddenWhileLoading(t *testing.T) {
	r := newTestRenderer(t)
	_, body := render(t, r, http.StatusOK, PagePending, Page{Nav: r.NewNav(true, nil)})

	if strings.Contains(body, `class="navbar"`) {
		t.Error("navbar must not be rendered while loading")
	}
	if !strings.Contains(body, "Loading...") {
		t.Error("pending page should show loading indicator")
	}
}

func TestRender_NavSignedOut_ShowsRegister(t *testing.T) {
	r := newTestRenderer(t)
	_, body := render(t, r, http.StatusOK, PageHome, Page{Nav: r.NewNav(false, nil), Data: ProductsData{}})

	if !strings.Contains(body, `href="/signup">Register</a>`) {
		t.Error("expected Register button for signed-out user")
	}
	if strings.Contains(body, `action="/logout"`) {
		t.Error("logout must not be shown for signed-out user")
	}
}

func TestRender_NavSignedIn_ShowsFirstNameAndDefaultAvatar(t *testing.T) {
	r := newTestRenderer(t)
	sess := &model.Session{UID: "u1", Email: "a@b.com", DisplayName: "Alice Smith"}
	_, body := render(t, r, http.StatusOK, PageHome, Page{
		Nav:       r.NewNav(false, sess),
		CSRFToken: "tok-1",
		Data:      ProductsData{},
	})

	for _, want := range []string{
		`<span class="first-name">Alice</span>`,
		`a@b.com`,
		`src="` + testAvatar + `"`,
		`action="/logout"`,
		`name="csrf_token" value="tok-1"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body should contain %q", want)
		}
	}
}

func TestNewNav_PhotoURLPreferredOverDefault(t *testing.T) {
	r := newTestRenderer(t)
	nav := r.NewNav(false, &model.Session{DisplayName: "Bob", PhotoURL: "https://example.com/bob.png"})
	if nav.AvatarURL != "https://example.com/bob.png" {
		t.Errorf("AvatarURL = %q", nav.AvatarURL)
	}
	if nav.FirstName != "Bob" {
		t.Errorf("FirstName = %q, want Bob", nav.FirstName)
	}
}

func TestRender_FlashMessages(t *testing.T) {
	r := newTestRenderer(t)
	_, body := render(t, r, http.StatusOK, PageAllProducts, Page{
		Flash: []notify.Message{
			{Kind: notify.KindSuccess, Text: "Logged in successfully!"},
			{Kind: notify.KindError, Text: "Failed to fetch products"},
		},
		Data: ProductsData{},
	})

	if !strings.Contains(body, `toast-success`) || !strings.Contains(body, "Logged in successfully!") {
		t.Error("expected success toast")
	}
	if !strings.Contains(body, `toast-error`) || !strings.Contains(body, "Failed to fetch products") {
		t.Error("expected error toast")
	}
}

func TestRender_EscapesProductFields(t *testing.T) {
	r := newTestRenderer(t)
	_, body := render(t, r, http.StatusOK, PageAllProducts, Page{
		Data: ProductsData{Products: []model.Product{{ID: "p1", Name: "<script>x</script>", Price: 9.5}}},
	})

	if strings.Contains(body, "<script>x</script>") {
		t.Error("product name must be escaped")
	}
	if !strings.Contains(body, "$9.50") {
		t.Error("expected formatted price")
	}
}

func TestRender_ProductImportDialog(t *testing.T) {
	r := newTestRenderer(t)
	p := &model.Product{ID: "p1", Name: "Tea", AvailableQuantity: 5}

	_, closed := render(t, r, http.StatusOK, PageProduct, Page{Data: ProductData{Product: p}})
	if strings.Contains(closed, `role="dialog"`) {
		t.Error("dialog should be closed by default")
	}

	_, open := render(t, r, http.StatusOK, PageProduct, Page{Data: ProductData{Product: p, ShowImport: true, Quantity: 2, Error: "Quantity 9 is out of range (1-5)."}})
	for _, want := range []string{`role="dialog"`, `max="5"`, `value="2"`, "out of range"} {
		if !strings.Contains(open, want) {
			t.Errorf("body should contain %q", want)
		}
	}
}

func TestRender_MyExportDialogs(t *testing.T) {
	r := newTestRenderer(t)
	e := model.Export{ID: "e1", Name: "Rice"}

	_, body := render(t, r, http.StatusOK, PageMyExport, Page{Data: ExportsData{
		Exports: []model.Export{e},
		Delete:  &e,
	}})
	if !strings.Contains(body, `action="/my-export/e1/delete"`) {
		t.Error("expected delete confirmation form")
	}
	if strings.Contains(body, `action="/my-export/e1"`+">") {
		t.Error("update dialog should not be open")
	}
}

func TestRender_MyImportMissingWarning(t *testing.T) {
	r := newTestRenderer(t)
	_, body := render(t, r, http.StatusOK, PageMyImport, Page{Data: ImportsData{MissingCount: 2}})
	if !strings.Contains(body, "2 import(s) reference products") {
		t.Error("expected missing product warning")
	}
}

func TestStaticHandler_ServesCSS(t *testing.T) {
	w := httptest.NewRecorder()
	StaticHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/static/app.css", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), ".navbar") {
		t.Error("expected stylesheet body")
	}
}
