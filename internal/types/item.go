package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Columns is the fixed column order of the workbook sheet.
var Columns = []string{
	"market_key",
	"rank",
	"title",
	"price_raw",
	"price_num",
	"link",
	"image_url",
	"image_path",
	"collected_at",
}

// Item represents a single product card collected from a market listing.
type Item struct {
	// MarketKey namespaces the item; see MarketKey.
	MarketKey string `json:"market_key" bson:"market_key"`

	// Rank is the 1-based position within the market run.
	Rank int `json:"rank" bson:"rank"`

	Title    string `json:"title"     bson:"title"`
	PriceRaw string `json:"price_raw" bson:"price_raw"`

	// PriceNum is nil when PriceRaw holds no digits.
	PriceNum *int64 `json:"price_num" bson:"price_num"`

	Link      string `json:"link"       bson:"link"`
	ImageURL  string `json:"image_url"  bson:"image_url"`
	ImagePath string `json:"image_path" bson:"image_path"`

	// The fields below are carried to the mirrors only; the workbook
	// columns are fixed.

	// ProductID is the store's product number, or a short hash of the link
	// when the card exposes none.
	ProductID string `json:"product_id,omitempty" bson:"product_id,omitempty"`

	// ProductNo is the stable per-market number (P000001...) from the
	// product index.
	ProductNo string `json:"product_no,omitempty" bson:"product_no,omitempty"`

	// SalePrice, ShippingFee and ReviewCount hold digits only. A free
	// shipping label becomes "0".
	SalePrice   string `json:"sale_price,omitempty"   bson:"sale_price,omitempty"`
	ShippingFee string `json:"shipping_fee,omitempty" bson:"shipping_fee,omitempty"`
	ReviewCount string `json:"review_count,omitempty" bson:"review_count,omitempty"`
	Rating      string `json:"rating,omitempty"       bson:"rating,omitempty"`

	// ImageURLs lists every distinct image on the card, background images
	// and carousel slides included.
	ImageURLs []string `json:"image_urls,omitempty" bson:"image_urls,omitempty"`

	CollectedAt time.Time `json:"collected_at" bson:"collected_at"`
}

// NewItem creates an Item for a market, stamped with the current time.
func NewItem(marketKey string) *Item {
	return &Item{
		MarketKey:   marketKey,
		CollectedAt: time.Now(),
	}
}

// Row returns the item as workbook cells in Columns order.
func (i *Item) Row() []any {
	var priceNum any = ""
	if i.PriceNum != nil {
		priceNum = *i.PriceNum
	}
	return []any{
		i.MarketKey,
		i.Rank,
		i.Title,
		i.PriceRaw,
		priceNum,
		i.Link,
		i.ImageURL,
		i.ImagePath,
		i.CollectedAt.Format(time.RFC3339),
	}
}

// ItemFromRow rebuilds an item from workbook cells in Columns order.
// Missing trailing cells are treated as empty.
func ItemFromRow(cells []string) (*Item, error) {
	get := func(i int) string {
		if i < len(cells) {
			return cells[i]
		}
		return ""
	}

	rank, err := strconv.Atoi(get(1))
	if err != nil {
		return nil, &RowError{Cells: cells, Err: err}
	}

	item := &Item{
		MarketKey: get(0),
		Rank:      rank,
		Title:     get(2),
		PriceRaw:  get(3),
		Link:      get(5),
		ImageURL:  get(6),
		ImagePath: get(7),
	}
	if s := get(4); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &RowError{Cells: cells, Err: err}
		}
		item.PriceNum = &n
	}
	if s := get(8); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, &RowError{Cells: cells, Err: err}
		}
		item.CollectedAt = ts
	}
	return item, nil
}

// Clone returns a copy of the item that shares no pointers with the original.
func (i *Item) Clone() *Item {
	c := *i
	if i.PriceNum != nil {
		n := *i.PriceNum
		c.PriceNum = &n
	}
	if i.ImageURLs != nil {
		c.ImageURLs = append([]string(nil), i.ImageURLs...)
	}
	return &c
}

// ToJSON serializes the item to JSON bytes.
func (i *Item) ToJSON() ([]byte, error) {
	return json.Marshal(i)
}
