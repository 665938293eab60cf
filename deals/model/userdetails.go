package model

// UserData is one taxonomy source with the segment ids the user belongs to.
type UserData struct {
	Name    string    `json:"name"`
	Segment []Segment `json:"segment"`
}

type Segment struct {
	ID string `json:"id"`
}

// UserDetails is the user data store record for one user. A non-nil value
// with empty FcapIDs means the lookup succeeded and the user is not capped.
type UserDetails struct {
	UserData []UserData `json:"userData"`
	FcapIDs  []string   `json:"fcapIds"`
}
