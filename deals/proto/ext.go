package proto

// ExtDeal is the ext object attached to injected pmp deals.
type ExtDeal struct {
	Line *ExtDealLine `json:"line,omitempty"`
}

// ExtDealLine ties an injected deal back to its line item. Bidder is only
// present while the deal travels inside the server and is stripped before
// the request leaves for the exchange.
type ExtDealLine struct {
	LineItemID    string `json:"lineItemId,omitempty"`
	ExtLineItemID string `json:"extLineItemId,omitempty"`
	Sizes         []Size `json:"sizes,omitempty"`
	Bidder        string `json:"bidder,omitempty"`
}
