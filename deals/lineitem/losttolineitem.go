package lineitem

import "sync/atomic"

// LostToLineItem counts how many times one line item lost to a specific
// competitor within a delivery progress window.
type LostToLineItem struct {
	LineItemID string
	Count      atomic.Int64
}

func NewLostToLineItem(lineItemID string) *LostToLineItem {
	return &LostToLineItem{LineItemID: lineItemID}
}
