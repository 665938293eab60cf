package report

import "encoding/json"

// DeliveryProgressReport is one batch element pushed to the delivery
// statistics service, covering a single data window.
type DeliveryProgressReport struct {
	ReportID                 string           `json:"reportId"`
	ReportTimeStamp          string           `json:"reportTimeStamp,omitempty"`
	DataWindowStartTimeStamp string           `json:"dataWindowStartTimeStamp,omitempty"`
	DataWindowEndTimeStamp   string           `json:"dataWindowEndTimeStamp,omitempty"`
	InstanceID               string           `json:"instanceId"`
	Vendor                   string           `json:"vendor"`
	Region                   string           `json:"region"`
	ClientAuctions           int64            `json:"clientAuctions"`
	LineItemStatus           []LineItemStatus `json:"lineItemStatus"`
}

type LineItemStatus struct {
	LineItemSource                   string             `json:"lineItemSource"`
	LineItemID                       string             `json:"lineItemId"`
	DealID                           string             `json:"dealId"`
	ExtLineItemID                    string             `json:"extLineItemId"`
	AccountAuctions                  int64              `json:"accountAuctions"`
	DomainMatched                    int64              `json:"domainMatched"`
	TargetMatched                    int64              `json:"targetMatched"`
	TargetMatchedButFcapped          int64              `json:"targetMatchedButFcapped"`
	TargetMatchedButFcapLookupFailed int64              `json:"targetMatchedButFcapLookupFailed"`
	PacingDeferred                   int64              `json:"pacingDeferred"`
	SentToBidder                     int64              `json:"sentToBidder"`
	SentToBidderAsTopMatch           int64              `json:"sentToBidderAsTopMatch"`
	ReceivedFromBidder               int64              `json:"receivedFromBidder"`
	ReceivedFromBidderInvalidated    int64              `json:"receivedFromBidderInvalidated"`
	SentToClient                     int64              `json:"sentToClient"`
	SentToClientAsTopMatch           int64              `json:"sentToClientAsTopMatch"`
	LostToLineItems                  []LostToLineItem   `json:"lostToLineItems,omitempty"`
	Events                           []Event            `json:"events,omitempty"`
	DeliverySchedule                 []DeliverySchedule `json:"deliverySchedule,omitempty"`
	ReadyAt                          *string            `json:"readyAt,omitempty"`
	SpentTokens                      *int64             `json:"spentTokens,omitempty"`
	PacingFrequency                  *int64             `json:"pacingFrequency,omitempty"`
}

type LostToLineItem struct {
	LineItemSource string `json:"lineItemSource"`
	LineItemID     string `json:"lineItemId"`
	Count          int64  `json:"count"`
}

type Event struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

type DeliverySchedule struct {
	PlanID                  string  `json:"planId"`
	PlanStartTimeStamp      string  `json:"planStartTimeStamp"`
	PlanExpirationTimeStamp string  `json:"planExpirationTimeStamp"`
	PlanUpdatedTimeStamp    string  `json:"planUpdatedTimeStamp"`
	Tokens                  []Token `json:"tokens"`
}

type Token struct {
	PriorityClass int    `json:"class"`
	Total         int    `json:"total"`
	Spent         int64  `json:"spent"`
	TotalSpent    *int64 `json:"totalSpent,omitempty"`
}

// LineItemStatusReport backs the admin line item status endpoint.
type LineItemStatusReport struct {
	LineItemID            string            `json:"lineItemId"`
	DeliverySchedule      *DeliverySchedule `json:"deliverySchedule,omitempty"`
	ReadyToServeTimestamp *string           `json:"readyToServeTimestamp,omitempty"`
	SpentTokens           int64             `json:"spentTokens"`
	PacingFrequency       *int64            `json:"pacingFrequency,omitempty"`
	AccountID             string            `json:"accountId"`
	Target                json.RawMessage   `json:"target,omitempty"`
}
