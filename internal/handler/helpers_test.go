package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tradehub/internal/auth"
	"github.com/hitoshi/tradehub/internal/identity"
	"github.com/hitoshi/tradehub/internal/middleware"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/notify"
	"github.com/hitoshi/tradehub/internal/view"
	"github.com/hitoshi/tradehub/internal/websession"
)

// --- モック定義 ---

// fakeProvider はauth.Providerのテスト実装。Subscribe直後に初期ユーザーを1回通知する。
type fakeProvider struct {
	initial *identity.User
	events  chan *identity.User
	once    sync.Once

	signInWithPasswordFn func(ctx context.Context, email, password string) (*identity.User, error)
	signUpWithPasswordFn func(ctx context.Context, email, password string) (*identity.User, error)
	updateProfileFn      func(ctx context.Context, displayName, photoURL string) (*identity.User, error)
	signInWithIdPFn      func(ctx context.Context, cred *identity.GoogleCredential) (*identity.User, error)
	signOutFn            func(ctx context.Context) error
	sendPasswordResetFn  func(ctx context.Context, email string) error
}

func (p *fakeProvider) Subscribe() (<-chan *identity.User, func()) {
	p.events = make(chan *identity.User, 1)
	p.events <- p.initial
	return p.events, func() { p.once.Do(func() { close(p.events) }) }
}

func (p *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	if p.signInWithPasswordFn != nil {
		return p.signInWithPasswordFn(ctx, email, password)
	}
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *fakeProvider) SignUpWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	if p.signUpWithPasswordFn != nil {
		return p.signUpWithPasswordFn(ctx, email, password)
	}
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *fakeProvider) UpdateProfile(ctx context.Context, displayName, photoURL string) (*identity.User, error) {
	if p.updateProfileFn != nil {
		return p.updateProfileFn(ctx, displayName, photoURL)
	}
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *fakeProvider) SignInWithIdP(ctx context.Context, cred *identity.GoogleCredential) (*identity.User, error) {
	if p.signInWithIdPFn != nil {
		return p.signInWithIdPFn(ctx, cred)
	}
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	if p.signOutFn != nil {
		return p.signOutFn(ctx)
	}
	return nil
}

func (p *fakeProvider) SendPasswordReset(ctx context.Context, email string) error {
	if p.sendPasswordResetFn != nil {
		return p.sendPasswordResetFn(ctx, email)
	}
	return nil
}

type mockProductService struct {
	listProductsFn   func(ctx context.Context) ([]model.Product, error)
	latestProductsFn func(ctx context.Context) ([]model.Product, error)
	getProductFn     func(ctx context.Context, id string) (*model.Product, error)
	createImportFn   func(ctx context.Context, userID, productID string, quantity int) error
}

func (m *mockProductService) ListProducts(ctx context.Context) ([]model.Product, error) {
	if m.listProductsFn != nil {
		return m.listProductsFn(ctx)
	}
	return nil, nil
}

func (m *mockProductService) LatestProducts(ctx context.Context) ([]model.Product, error) {
	if m.latestProductsFn != nil {
		return m.latestProductsFn(ctx)
	}
	return nil, nil
}

func (m *mockProductService) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	if m.getProductFn != nil {
		return m.getProductFn(ctx, id)
	}
	return nil, nil
}

func (m *mockProductService) CreateImport(ctx context.Context, userID, productID string, quantity int) error {
	if m.createImportFn != nil {
		return m.createImportFn(ctx, userID, productID, quantity)
	}
	return nil
}

type mockExportService struct {
	listExportsFn  func(ctx context.Context, userID string) ([]model.Export, error)
	createExportFn func(ctx context.Context, userID string, in model.ExportInput) (*model.Export, error)
	updateExportFn func(ctx context.Context, userID, id string, in model.ExportInput) (*model.Export, error)
	deleteExportFn func(ctx context.Context, userID, id string) error
}

func (m *mockExportService) ListExports(ctx context.Context, userID string) ([]model.Export, error) {
	if m.listExportsFn != nil {
		return m.listExportsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockExportService) CreateExport(ctx context.Context, userID string, in model.ExportInput) (*model.Export, error) {
	if m.createExportFn != nil {
		return m.createExportFn(ctx, userID, in)
	}
	return &model.Export{}, nil
}

func (m *mockExportService) UpdateExport(ctx context.Context, userID, id string, in model.ExportInput) (*model.Export, error) {
	if m.updateExportFn != nil {
		return m.updateExportFn(ctx, userID, id, in)
	}
	return &model.Export{}, nil
}

func (m *mockExportService) DeleteExport(ctx context.Context, userID, id string) error {
	if m.deleteExportFn != nil {
		return m.deleteExportFn(ctx, userID, id)
	}
	return nil
}

type mockImportService struct {
	listImportsFn  func(ctx context.Context, userID string) ([]model.Import, error)
	deleteImportFn func(ctx context.Context, userID, id string) error
}

func (m *mockImportService) ListImports(ctx context.Context, userID string) ([]model.Import, error) {
	if m.listImportsFn != nil {
		return m.listImportsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockImportService) DeleteImport(ctx context.Context, userID, id string) error {
	if m.deleteImportFn != nil {
		return m.deleteImportFn(ctx, userID, id)
	}
	return nil
}

type mockImageChecker struct {
	checkFn func(ctx context.Context, rawURL string) error
}

func (m *mockImageChecker) Check(ctx context.Context, rawURL string) error {
	if m.checkFn != nil {
		return m.checkFn(ctx, rawURL)
	}
	return nil
}

// passSanitizer は入力をそのまま返すExportSanitizer。
type passSanitizer struct{}

func (passSanitizer) CleanExport(in model.ExportInput) model.ExportInput { return in }

type mockRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (m *mockRecorder) RecordAuthOperation(operation, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, operation+":"+result)
}

func (m *mockRecorder) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// --- ヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPages(t *testing.T) *pages {
	t.Helper()
	r, err := view.NewRenderer(discardLogger(), "https://example.com/avatar.png")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return &pages{renderer: r}
}

// newTestEntry はproviderの初期通知を反映済みのWebセッションエントリを返す。
func newTestEntry(t *testing.T, p *fakeProvider) *websession.Entry {
	t.Helper()
	flash := notify.NewFlash()
	store := auth.NewStore(p, flash, discardLogger())
	t.Cleanup(store.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.WaitReady(ctx); err != nil {
		t.Fatalf("store not ready: %v", err)
	}
	return &websession.Entry{ID: "ws-test", Store: store, Flash: flash}
}

// signedInEntry はユーザーu1でログイン済みのエントリを返す。
func signedInEntry(t *testing.T) *websession.Entry {
	t.Helper()
	return newTestEntry(t, &fakeProvider{initial: &identity.User{UID: "u1", Email: "a@b.com", DisplayName: "Alice Smith"}})
}

func withEntry(req *http.Request, e *websession.Entry) *http.Request {
	return req.WithContext(middleware.ContextWithEntry(req.Context(), e))
}

// stubRegistry はCreateで用意済みのエントリを返すmiddleware.SessionRegistry。
type stubRegistry struct {
	next    *websession.Entry
	deleted []string
}

func (s *stubRegistry) Create(ctx context.Context) (*websession.Entry, error) {
	if s.next == nil {
		return nil, errors.New("no entry prepared")
	}
	return s.next, nil
}

func (s *stubRegistry) Get(ctx context.Context, id string) (*websession.Entry, bool, error) {
	return nil, false, nil
}

func (s *stubRegistry) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubRegistry) ExpiresAt(e *websession.Entry) time.Time {
	return time.Now().Add(time.Hour)
}

// withRotation は未ログインのエントリ"ws-before"を持ち、ID更新でnextに切り替わるリクエストを返す。
func withRotation(t *testing.T, w http.ResponseWriter, req *http.Request, next *websession.Entry) (*http.Request, *stubRegistry) {
	t.Helper()
	before := newTestEntry(t, &fakeProvider{})
	before.ID = "ws-before"
	next.ID = "ws-after"

	reg := &stubRegistry{next: next}
	m := middleware.NewSessionManager(reg, websession.NewCookieCodec("handler-test-secret"), middleware.SessionConfig{})
	return m.Attach(w, req, before), reg
}

// sessionCookieOf はレスポンスで発行されたセッションCookieを返す。
func sessionCookieOf(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	return nil
}

func newFormRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// drainTexts は通知キューの文言を種類付きで取り出す。
func drainTexts(e *websession.Entry) []string {
	var out []string
	for _, m := range e.Flash.Drain() {
		out = append(out, string(m.Kind)+":"+m.Text)
	}
	return out
}

func containsStr(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}
