package proto

import (
	"encoding/json"
	"time"
)

// LineItemMetaData is a line item snapshot as served by the general planner.
type LineItemMetaData struct {
	LineItemID        string             `json:"lineItemId"`
	ExtLineItemID     string             `json:"extLineItemId"`
	DealID            string             `json:"dealId"`
	AccountID         string             `json:"accountId"`
	Source            string             `json:"source"`
	Price             *Price             `json:"price"`
	RelativePriority  *int               `json:"relativePriority"`
	StartTimeStamp    time.Time          `json:"startTimeStamp"`
	EndTimeStamp      time.Time          `json:"endTimeStamp"`
	UpdatedTimeStamp  time.Time          `json:"updatedTimeStamp"`
	Status            string             `json:"status"`
	FrequencyCaps     []FrequencyCap     `json:"frequencyCaps"`
	DeliverySchedules []DeliverySchedule `json:"deliverySchedules"`
	Sizes             []Size             `json:"sizes"`
	Targeting         json.RawMessage    `json:"targeting"`
}

const StatusActive = "active"

// Price is the line item CPM in a given currency.
type Price struct {
	CPM      float64 `json:"cpm"`
	Currency string  `json:"currency"`
}

type FrequencyCap struct {
	FcapID     string `json:"fcapId"`
	Count      int    `json:"count"`
	Periods    int    `json:"periods"`
	PeriodType string `json:"periodType"`
}

type Size struct {
	W int64 `json:"w"`
	H int64 `json:"h"`
}

// DeliverySchedule is a pacing plan for a slice of the line item window.
type DeliverySchedule struct {
	PlanID           string    `json:"planId"`
	StartTimeStamp   time.Time `json:"startTimeStamp"`
	EndTimeStamp     time.Time `json:"endTimeStamp"`
	UpdatedTimeStamp time.Time `json:"updatedTimeStamp"`
	Tokens           []Token   `json:"tokens"`
}

// Token is an allocation of deliveries at a priority class, lower class
// numbers being more urgent.
type Token struct {
	PriorityClass int `json:"class"`
	Total         int `json:"total"`
}
