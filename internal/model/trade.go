// Package model はドメインモデルを定義する。
package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// Product はカタログAPIが返す商品を表す。
// 中身はAPIのレコードをそのまま保持し、クライアント側で整合性は検証しない。
type Product struct {
	ID                string     `json:"_id"`
	Name              string     `json:"name"`
	Image             string     `json:"image"`
	Price             float64    `json:"price"`
	OriginCountry     string     `json:"originCountry"`
	Rating            float64    `json:"rating"`
	AvailableQuantity int        `json:"availableQuantity"`
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
}

// Export はユーザーが出品した商品を表す。形は Product と同じ。
type Export = Product

// ExportInput は輸出品の登録・更新リクエストのボディ。
type ExportInput struct {
	Name              string  `json:"name"`
	Image             string  `json:"image"`
	Price             float64 `json:"price"`
	OriginCountry     string  `json:"originCountry"`
	Rating            float64 `json:"rating"`
	AvailableQuantity int     `json:"availableQuantity"`
}

// Import はユーザーの輸入記録を表す。
// productId はAPI側でpopulateされた商品オブジェクトか、商品が削除済みの場合はnullになる。
type Import struct {
	ID       string   `json:"_id"`
	Product  *Product `json:"-"`
	Quantity int      `json:"quantity"`
}

// importWire は Import のJSON表現。
type importWire struct {
	ID        string          `json:"_id"`
	ProductID json.RawMessage `json:"productId"`
	Quantity  int             `json:"quantity"`
}

// UnmarshalJSON は productId がオブジェクトの場合のみ Product を設定する。
// 文字列やnullの場合は商品データ欠落として Product を nil のままにする。
func (i *Import) UnmarshalJSON(data []byte) error {
	var w importWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	i.ID = w.ID
	i.Quantity = w.Quantity
	i.Product = nil

	raw := bytes.TrimSpace(w.ProductID)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	i.Product = &p
	return nil
}

// ImportInput は輸入登録リクエストのボディ。
type ImportInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}
