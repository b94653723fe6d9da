package view

import "github.com/hitoshi/tradehub/internal/model"

// ProductsData はホームと商品一覧の描画データ。
type ProductsData struct {
	Products []model.Product
}

// ProductData は商品詳細の描画データ。
// ShowImport が true の場合は輸入ダイアログを開いた状態で描画する。
type ProductData struct {
	Product    *model.Product
	ShowImport bool
	Quantity   int
	Error      string
}

// ExportForm は輸出品フォームの入力値。再表示のため文字列のまま保持する。
type ExportForm struct {
	Name              string
	Image             string
	Price             string
	OriginCountry     string
	Rating            string
	AvailableQuantity string
}

// ExportsData は自分の輸出品一覧の描画データ。
// Edit は更新ダイアログ、Delete は削除確認ダイアログの対象。
type ExportsData struct {
	Exports []model.Export
	Edit    *model.Export
	Delete  *model.Export
	Form    ExportForm
	Error   string
}

// AddExportData は輸出品登録フォームの描画データ。
type AddExportData struct {
	Form  ExportForm
	Error string
}

// ImportsData は自分の輸入一覧の描画データ。
// MissingCount は商品データが欠落していて表示しなかった件数。
type ImportsData struct {
	Imports      []model.Import
	MissingCount int
}

// LoginData はログインフォームの描画データ。Forgot が true の場合はパスワード再設定フォームを出す。
type LoginData struct {
	Email    string
	Redirect string
	Forgot   bool
	Error    string
}

// SignupData は新規登録フォームの描画データ。パスワードは再表示しない。
type SignupData struct {
	FirstName string
	LastName  string
	Email     string
	PhotoURL  string
	Error     string
}
