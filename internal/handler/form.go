package handler

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/view"
)

// minPasswordLength はプロバイダーが受け付けるパスワードの最小長。
const minPasswordLength = 6

// validateEmail はメールアドレスの簡易チェックを行う。
func validateEmail(email string) string {
	if !strings.Contains(email, "@") {
		return "Please enter a valid email"
	}
	return ""
}

// validateLogin はログインフォームを検証し、問題があれば表示文言を返す。
func validateLogin(email, password string) string {
	if msg := validateEmail(email); msg != "" {
		return msg
	}
	if password == "" {
		return "Password is required"
	}
	if len(password) < minPasswordLength {
		return "Password must be at least 6 characters"
	}
	return ""
}

// signupForm は新規登録フォームの入力値。
type signupForm struct {
	FirstName       string
	LastName        string
	Email           string
	PhotoURL        string
	Password        string
	ConfirmPassword string
}

func parseSignupForm(r *http.Request) signupForm {
	return signupForm{
		FirstName:       strings.TrimSpace(r.PostFormValue("firstName")),
		LastName:        strings.TrimSpace(r.PostFormValue("lastName")),
		Email:           strings.TrimSpace(r.PostFormValue("email")),
		PhotoURL:        strings.TrimSpace(r.PostFormValue("photoURL")),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirmPassword"),
	}
}

// DisplayName は姓名を連結した表示名を返す。
func (f signupForm) DisplayName() string {
	return f.FirstName + " " + f.LastName
}

func (f signupForm) viewData(errMsg string) view.SignupData {
	return view.SignupData{
		FirstName: f.FirstName,
		LastName:  f.LastName,
		Email:     f.Email,
		PhotoURL:  f.PhotoURL,
		Error:     errMsg,
	}
}

// validate は新規登録フォームを検証する。
// パスワードは6文字以上で大文字・小文字・数字をそれぞれ含み、確認用と一致する必要がある。
func (f signupForm) validate() string {
	if f.FirstName == "" || f.LastName == "" {
		return "First and last names are required"
	}
	if msg := validateEmail(f.Email); msg != "" {
		return msg
	}
	if len(f.Password) < minPasswordLength {
		return "Password must be at least 6 characters"
	}
	if !strings.ContainsFunc(f.Password, unicode.IsUpper) {
		return "Password must contain at least one uppercase letter"
	}
	if !strings.ContainsFunc(f.Password, unicode.IsLower) {
		return "Password must contain at least one lowercase letter"
	}
	if !strings.ContainsFunc(f.Password, unicode.IsDigit) {
		return "Password must contain at least one number"
	}
	if f.Password != f.ConfirmPassword {
		return "Passwords do not match"
	}
	return ""
}

// parseExportForm は輸出品フォームを読み取り、入力値と検証済みのリクエストボディを返す。
// 検証に失敗した場合は表示文言を返す。
func parseExportForm(r *http.Request) (view.ExportForm, model.ExportInput, string) {
	form := view.ExportForm{
		Name:              strings.TrimSpace(r.PostFormValue("name")),
		Image:             strings.TrimSpace(r.PostFormValue("image")),
		Price:             strings.TrimSpace(r.PostFormValue("price")),
		OriginCountry:     strings.TrimSpace(r.PostFormValue("originCountry")),
		Rating:            strings.TrimSpace(r.PostFormValue("rating")),
		AvailableQuantity: strings.TrimSpace(r.PostFormValue("availableQuantity")),
	}

	if form.Name == "" || form.Image == "" || form.OriginCountry == "" {
		return form, model.ExportInput{}, "Product name, image and origin country are required"
	}
	price, err := strconv.ParseFloat(form.Price, 64)
	if err != nil || !isFinite(price) || price < 0 {
		return form, model.ExportInput{}, "Price must be a non-negative number"
	}
	rating, err := strconv.ParseFloat(form.Rating, 64)
	if err != nil || !isFinite(rating) || rating < 0 || rating > 5 {
		return form, model.ExportInput{}, "Rating must be between 0 and 5"
	}
	quantity, err := strconv.Atoi(form.AvailableQuantity)
	if err != nil || quantity < 0 {
		return form, model.ExportInput{}, "Available quantity must be a non-negative whole number"
	}

	return form, model.ExportInput{
		Name:              form.Name,
		Image:             form.Image,
		Price:             price,
		OriginCountry:     form.OriginCountry,
		Rating:            rating,
		AvailableQuantity: quantity,
	}, ""
}

// isFinite はParseFloatが受け付けるNaNと±Infを除外する。
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// exportFormOf は既存の輸出品から更新フォームの初期値を作る。
func exportFormOf(e *model.Export) view.ExportForm {
	return view.ExportForm{
		Name:              e.Name,
		Image:             e.Image,
		Price:             strconv.FormatFloat(e.Price, 'f', -1, 64),
		OriginCountry:     e.OriginCountry,
		Rating:            strconv.FormatFloat(e.Rating, 'f', -1, 64),
		AvailableQuantity: strconv.Itoa(e.AvailableQuantity),
	}
}
