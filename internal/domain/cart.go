package domain

// CartItem is a single line item in the cart. LineID is the display identity
// of the row; VariantID is the merge identity — a cart never holds two rows
// for the same variant.
type CartItem struct {
	LineID       string  `json:"lineId"`
	VariantID    string  `json:"variantId"`
	ProductID    string  `json:"productId"`
	Name         string  `json:"name"`
	VariantLabel string  `json:"variantLabel"`
	ImageRef     string  `json:"imageRef"`
	UnitPrice    float64 `json:"unitPrice"`
	Quantity     int     `json:"quantity"`
}

// Cart is an ordered collection of line items. Insertion order is preserved
// for display; totals are always derived, never stored.
type Cart struct {
	Items []CartItem
}

// Total returns the sum of unit price times quantity across all items.
func (c *Cart) Total() float64 {
	var total float64
	for _, item := range c.Items {
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

// ItemCount returns the total quantity across all items.
func (c *Cart) ItemCount() int {
	var count int
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}

// FindByVariant returns the index of the item with the given variant ID,
// or -1 if absent.
func (c *Cart) FindByVariant(variantID string) int {
	for i := range c.Items {
		if c.Items[i].VariantID == variantID {
			return i
		}
	}
	return -1
}

// FindByLine returns the index of the item with the given line ID,
// or -1 if absent.
func (c *Cart) FindByLine(lineID string) int {
	for i := range c.Items {
		if c.Items[i].LineID == lineID {
			return i
		}
	}
	return -1
}

// Snapshot is a read-only view of the cart with derived totals.
type Snapshot struct {
	Items     []CartItem `json:"items"`
	Total     float64    `json:"total"`
	ItemCount int        `json:"item_count"`
}

// Snapshot returns a copy of the items with recomputed totals.
func (c *Cart) Snapshot() Snapshot {
	items := make([]CartItem, len(c.Items))
	copy(items, c.Items)
	return Snapshot{
		Items:     items,
		Total:     c.Total(),
		ItemCount: c.ItemCount(),
	}
}
