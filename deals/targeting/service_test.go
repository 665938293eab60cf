package targeting

import (
	"encoding/json"
	"testing"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/errortypes"
	"github.com/prebid/pg-engine/util/ptrutil"
)

func TestParseTargetingDefinitionErrors(t *testing.T) {
	tests := []struct {
		name        string
		targeting   string
		expectedErr string
	}{
		{
			name:        "not an object",
			targeting:   `[]`,
			expectedErr: "Expected object, got ARRAY",
		},
		{
			name:        "two elements in root",
			targeting:   `{"adunit.size":{"$intersects":[]},"adunit.mediatype":{"$intersects":[]}}`,
			expectedErr: "Expected only one element in the object, got 2",
		},
		{
			name:        "unknown field",
			targeting:   `{"site.somethingElse":{"$in":["value"]}}`,
			expectedErr: "Expected either boolean operator or targeting category, got site.somethingElse",
		},
		{
			name:        "unknown matching function",
			targeting:   `{"site.domain":{"$like":["value"]}}`,
			expectedErr: "Expected matching function, got $like",
		},
		{
			name:        "inapplicable function single option",
			targeting:   `{"adunit.size":{"$in":[{"w":300,"h":250}]}}`,
			expectedErr: "Expected $intersects matching function, got $in",
		},
		{
			name:        "inapplicable function several options",
			targeting:   `{"site.domain":{"$within":{"lat":1.0,"lon":2.0,"radiusMiles":3.0}}}`,
			expectedErr: "Expected one of $matches, $in matching functions, got $within",
		},
		{
			name:        "and takes an array",
			targeting:   `{"$and":{"site.domain":{"$in":["domain.com"]}}}`,
			expectedErr: "Expected array, got OBJECT",
		},
		{
			name:        "matches takes a string",
			targeting:   `{"site.domain":{"$matches":["domain.com"]}}`,
			expectedErr: "Expected string, got ARRAY",
		},
		{
			name:        "empty pattern",
			targeting:   `{"site.domain":{"$matches":""}}`,
			expectedErr: "String value could not be empty",
		},
		{
			name:        "in takes an array",
			targeting:   `{"site.domain":{"$in":"domain.com"}}`,
			expectedErr: "Expected array, got STRING",
		},
		{
			name:        "strings in array",
			targeting:   `{"site.domain":{"$in":[5]}}`,
			expectedErr: "Expected string, got NUMBER",
		},
		{
			name:        "integers in array",
			targeting:   `{"pos":{"$in":["above"]}}`,
			expectedErr: "Expected integer, got STRING",
		},
		{
			name:        "size without height",
			targeting:   `{"adunit.size":{"$intersects":[{"w":300}]}}`,
			expectedErr: "Height and width in size definition could not be null or missing",
		},
		{
			name:        "geo region without radius",
			targeting:   `{"geo.distance":{"$within":{"lat":1.0,"lon":2.0}}}`,
			expectedErr: "Lat, lon and radiusMiles in geo region definition could not be null or missing",
		},
		{
			name:        "typed array with booleans",
			targeting:   `{"ufpd.someField":{"$in":[true]}}`,
			expectedErr: "Expected string or integer, got BOOLEAN",
		},
	}

	service := NewService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			definition, err := service.ParseTargetingDefinition(json.RawMessage(tt.targeting), "lineItem1")

			require.Error(t, err)
			assert.Nil(t, definition)
			assert.EqualError(t, err, tt.expectedErr)
			assert.IsType(t, &errortypes.MalformedTargeting{}, err)
		})
	}
}

func TestParseTargetingDefinitionValid(t *testing.T) {
	targeting := json.RawMessage(`{
		"$and": [
			{"adunit.size": {"$intersects": [{"w": 300, "h": 250}, {"w": 400, "h": 200}]}},
			{"adunit.mediatype": {"$intersects": ["banner"]}},
			{"$or": [
				{"site.domain": {"$matches": "*nba.com*"}},
				{"site.domain": {"$in": ["www.cnn.com", "www.bbc.com"]}}
			]},
			{"$not": {"app.bundle": {"$in": ["com.games.puzzle"]}}},
			{"pos": {"$in": [1, 3]}},
			{"geo.distance": {"$within": {"lat": 40.74, "lon": -73.98, "radiusMiles": 50}}},
			{"bidp.rubicon.siteId": {"$in": [123]}},
			{"segment.bluekai": {"$intersects": ["segment1"]}},
			{"user.ext.time.userdow": {"$in": [5]}},
			{"user.ext.time.userhour": {"$in": [10, 11]}}
		]
	}`)

	definition, err := NewService().ParseTargetingDefinition(targeting, "lineItem1")

	require.NoError(t, err)
	require.NotNil(t, definition)
}

func matchRequest() (*openrtb2.BidRequest, *openrtb2.Imp) {
	imp := openrtb2.Imp{
		ID: "imp1",
		Banner: &openrtb2.Banner{
			Format: []openrtb2.Format{{W: 300, H: 250}, {W: 728, H: 90}},
			Pos:    ptrutil.ToPtr(openrtb2.AdPosition(1)),
		},
		Ext: json.RawMessage(`{"prebid":{"bidder":{"rubicon":{"siteId":123,"zone":"sports"}}}}`),
	}
	bidRequest := &openrtb2.BidRequest{
		ID: "req1",
		Site: &openrtb2.Site{
			Domain:    "www.nba.com",
			Page:      "http://www.nba.com/games",
			Publisher: &openrtb2.Publisher{Domain: "nba.com"},
		},
		Device: &openrtb2.Device{
			Geo: &openrtb2.Geo{
				Lat: ptrutil.ToPtr(40.75),
				Lon: ptrutil.ToPtr(-73.99),
				Ext: json.RawMessage(`{"vendor":{"region":"NY"}}`),
			},
		},
		User: &openrtb2.User{
			Ext: json.RawMessage(`{"time":{"userdow":5,"userhour":10}}`),
			Data: []openrtb2.Data{
				{Name: "bluekai", Segment: []openrtb2.Segment{{ID: "segment1"}}},
			},
		},
		Imp: []openrtb2.Imp{imp},
	}
	return bidRequest, &bidRequest.Imp[0]
}

func TestMatchesTargeting(t *testing.T) {
	tests := []struct {
		name      string
		targeting string
		matched   bool
	}{
		{
			name:      "size intersects",
			targeting: `{"adunit.size":{"$intersects":[{"w":300,"h":250}]}}`,
			matched:   true,
		},
		{
			name:      "size does not intersect",
			targeting: `{"adunit.size":{"$intersects":[{"w":160,"h":600}]}}`,
			matched:   false,
		},
		{
			name:      "mediatype intersects",
			targeting: `{"adunit.mediatype":{"$intersects":["banner","video"]}}`,
			matched:   true,
		},
		{
			name:      "domain in",
			targeting: `{"site.domain":{"$in":["WWW.NBA.COM"]}}`,
			matched:   true,
		},
		{
			name:      "publisher domain in",
			targeting: `{"site.domain":{"$in":["nba.com"]}}`,
			matched:   true,
		},
		{
			name:      "domain wildcard matches",
			targeting: `{"site.domain":{"$matches":"*nba*"}}`,
			matched:   true,
		},
		{
			name:      "domain wildcard does not match",
			targeting: `{"site.domain":{"$matches":"*nhl*"}}`,
			matched:   false,
		},
		{
			name:      "referrer matches",
			targeting: `{"site.referrer":{"$matches":"*nba.com/games"}}`,
			matched:   true,
		},
		{
			name:      "app bundle absent fails closed",
			targeting: `{"app.bundle":{"$in":["com.games.puzzle"]}}`,
			matched:   false,
		},
		{
			name:      "not inverts",
			targeting: `{"$not":{"app.bundle":{"$in":["com.games.puzzle"]}}}`,
			matched:   true,
		},
		{
			name:      "and needs all",
			targeting: `{"$and":[{"site.domain":{"$in":["www.nba.com"]}},{"pos":{"$in":[3]}}]}`,
			matched:   false,
		},
		{
			name:      "or needs one",
			targeting: `{"$or":[{"site.domain":{"$in":["www.bbc.com"]}},{"pos":{"$in":[1]}}]}`,
			matched:   true,
		},
		{
			name:      "position in",
			targeting: `{"pos":{"$in":[1,2]}}`,
			matched:   true,
		},
		{
			name:      "geo within radius",
			targeting: `{"geo.distance":{"$within":{"lat":40.74,"lon":-73.98,"radiusMiles":50}}}`,
			matched:   true,
		},
		{
			name:      "geo outside radius",
			targeting: `{"geo.distance":{"$within":{"lat":34.05,"lon":-118.24,"radiusMiles":50}}}`,
			matched:   false,
		},
		{
			name:      "bidder param integer",
			targeting: `{"bidp.rubicon.siteId":{"$in":[123]}}`,
			matched:   true,
		},
		{
			name:      "bidder param string",
			targeting: `{"bidp.rubicon.zone":{"$in":["sports"]}}`,
			matched:   true,
		},
		{
			name:      "user segment intersects",
			targeting: `{"segment.bluekai":{"$intersects":["segment1","segment2"]}}`,
			matched:   true,
		},
		{
			name:      "user segment wrong source",
			targeting: `{"segment.lotame":{"$intersects":["segment1"]}}`,
			matched:   false,
		},
		{
			name:      "user dow",
			targeting: `{"user.ext.time.userdow":{"$in":[5]}}`,
			matched:   true,
		},
		{
			name:      "user hour",
			targeting: `{"user.ext.time.userhour":{"$in":[12]}}`,
			matched:   false,
		},
		{
			name:      "device geo ext",
			targeting: `{"device.geo.ext.vendor.region":{"$in":["NY"]}}`,
			matched:   true,
		},
	}

	service := NewService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			definition, err := service.ParseTargetingDefinition(json.RawMessage(tt.targeting), "lineItem1")
			require.NoError(t, err)

			bidRequest, imp := matchRequest()
			ctx := NewRequestContext(bidRequest, imp, model.NewTxnLog())

			assert.Equal(t, tt.matched, service.MatchesTargeting(ctx, definition))
		})
	}
}

func TestDomainMatchRecordedInTxnLog(t *testing.T) {
	definition, err := NewService().ParseTargetingDefinition(
		json.RawMessage(`{"site.domain":{"$in":["www.nba.com"]}}`), "lineItem1")
	require.NoError(t, err)

	bidRequest, imp := matchRequest()
	txnLog := model.NewTxnLog()
	ctx := NewRequestContext(bidRequest, imp, txnLog)

	assert.True(t, definition.Matches(ctx))
	assert.Contains(t, txnLog.DomainMatched(), "lineItem1")
}

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		matched bool
	}{
		{"nba.com", "NBA.com", true},
		{"nba.com", "www.nba.com", false},
		{"*nba.com", "www.nba.com", true},
		{"nba*", "nba.com", true},
		{"*nba*game*", "www.nba.com/games", true},
		{"*nba*game*", "www.nhl.com/games", false},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.matched, wildcardMatch(tt.pattern, tt.value),
			"pattern %s against %s", tt.pattern, tt.value)
	}
}
