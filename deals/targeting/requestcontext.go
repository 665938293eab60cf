package targeting

import (
	"strings"

	"github.com/buger/jsonparser"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/pg-engine/deals/model"
)

// RequestContext resolves targeting categories against one impression of
// one bid request. Lookups that cannot produce a value return nothing, a
// failed lookup is indistinguishable from a non-matching one.
type RequestContext struct {
	bidRequest *openrtb2.BidRequest
	imp        *openrtb2.Imp
	txnLog     *model.TxnLog
}

func NewRequestContext(bidRequest *openrtb2.BidRequest, imp *openrtb2.Imp, txnLog *model.TxnLog) *RequestContext {
	return &RequestContext{bidRequest: bidRequest, imp: imp, txnLog: txnLog}
}

func (c *RequestContext) lookupStrings(category Category) []string {
	switch category.Type {
	case CategoryDomain:
		return c.domains()
	case CategoryPublisherDomain:
		if domain := c.publisherDomain(); domain != "" {
			return []string{domain}
		}
	case CategoryReferrer:
		if c.bidRequest.Site != nil && c.bidRequest.Site.Page != "" {
			return []string{c.bidRequest.Site.Page}
		}
	case CategoryAppBundle:
		if c.bidRequest.App != nil && c.bidRequest.App.Bundle != "" {
			return []string{c.bidRequest.App.Bundle}
		}
	case CategoryAdslot:
		if adslot := c.adslot(); adslot != "" {
			return []string{adslot}
		}
	case CategoryMediaType:
		return c.mediaTypes()
	case CategoryDeviceGeoExt:
		if c.bidRequest.Device != nil && c.bidRequest.Device.Geo != nil {
			return stringAtPath(c.bidRequest.Device.Geo.Ext, splitPath(category.Path))
		}
	case CategoryDeviceExt:
		if c.bidRequest.Device != nil {
			return stringAtPath(c.bidRequest.Device.Ext, splitPath(category.Path))
		}
	case CategoryUserSegment:
		return c.userSegments(category.Path)
	case CategoryBidderParam:
		return stringAtPath(c.imp.Ext, append([]string{"prebid", "bidder"}, splitPath(category.Path)...))
	case CategoryUserFirstPartyData:
		return c.userFirstPartyDataStrings(category.Path)
	case CategorySiteFirstPartyData:
		return c.siteFirstPartyDataStrings(category.Path)
	}
	return nil
}

func (c *RequestContext) lookupIntegers(category Category) []int64 {
	switch category.Type {
	case CategoryPagePosition:
		if c.imp.Banner != nil && c.imp.Banner.Pos != nil {
			return []int64{int64(*c.imp.Banner.Pos)}
		}
	case CategoryDow:
		if c.bidRequest.User != nil {
			return intAtPath(c.bidRequest.User.Ext, []string{"time", "userdow"})
		}
	case CategoryHour:
		if c.bidRequest.User != nil {
			return intAtPath(c.bidRequest.User.Ext, []string{"time", "userhour"})
		}
	case CategoryBidderParam:
		return intAtPath(c.imp.Ext, append([]string{"prebid", "bidder"}, splitPath(category.Path)...))
	case CategoryUserFirstPartyData:
		return c.userFirstPartyDataIntegers(category.Path)
	case CategorySiteFirstPartyData:
		return c.siteFirstPartyDataIntegers(category.Path)
	}
	return nil
}

func (c *RequestContext) lookupSizes(category Category) []Size {
	if category.Type != CategorySize || c.imp.Banner == nil {
		return nil
	}

	sizes := make([]Size, 0, len(c.imp.Banner.Format))
	for _, format := range c.imp.Banner.Format {
		sizes = append(sizes, Size{W: format.W, H: format.H})
	}
	return sizes
}

// GeoLocation is the device position resolved from the request.
type GeoLocation struct {
	Lat float64
	Lon float64
}

func (c *RequestContext) lookupGeoLocation() *GeoLocation {
	device := c.bidRequest.Device
	if device == nil || device.Geo == nil || device.Geo.Lat == nil || device.Geo.Lon == nil {
		return nil
	}
	return &GeoLocation{Lat: *device.Geo.Lat, Lon: *device.Geo.Lon}
}

func (c *RequestContext) domains() []string {
	var domains []string
	if c.bidRequest.Site != nil {
		if c.bidRequest.Site.Domain != "" {
			domains = append(domains, c.bidRequest.Site.Domain)
		}
		if domain := c.publisherDomain(); domain != "" {
			domains = append(domains, domain)
		}
	}
	return domains
}

func (c *RequestContext) publisherDomain() string {
	if c.bidRequest.Site != nil && c.bidRequest.Site.Publisher != nil {
		return c.bidRequest.Site.Publisher.Domain
	}
	return ""
}

var adslotPaths = [][]string{
	{"context", "data", "pbadslot"},
	{"context", "data", "adserver", "adslot"},
	{"data", "pbadslot"},
	{"data", "adserver", "adslot"},
}

func (c *RequestContext) adslot() string {
	for _, path := range adslotPaths {
		if value, err := jsonparser.GetString(c.imp.Ext, path...); err == nil && value != "" {
			return value
		}
	}
	return ""
}

func (c *RequestContext) mediaTypes() []string {
	var types []string
	if c.imp.Banner != nil {
		types = append(types, "banner")
	}
	if c.imp.Video != nil {
		types = append(types, "video")
	}
	if c.imp.Native != nil {
		types = append(types, "native")
	}
	return types
}

func (c *RequestContext) userSegments(source string) []string {
	if c.bidRequest.User == nil {
		return nil
	}

	var segments []string
	for _, data := range c.bidRequest.User.Data {
		if !strings.EqualFold(data.ID, source) {
			continue
		}
		for _, segment := range data.Segment {
			if segment.ID != "" {
				segments = append(segments, segment.ID)
			}
		}
	}
	return segments
}

func (c *RequestContext) userFirstPartyDataStrings(path string) []string {
	user := c.bidRequest.User
	if user == nil {
		return nil
	}

	switch path {
	case "id":
		if user.ID != "" {
			return []string{user.ID}
		}
	case "buyeruid":
		if user.BuyerUID != "" {
			return []string{user.BuyerUID}
		}
	case "gender":
		if user.Gender != "" {
			return []string{user.Gender}
		}
	case "keywords":
		if user.Keywords != "" {
			return []string{user.Keywords}
		}
	case "language":
		if user.Language != "" {
			return []string{user.Language}
		}
	}
	return stringAtPath(user.Ext, append([]string{"data"}, splitPath(path)...))
}

func (c *RequestContext) userFirstPartyDataIntegers(path string) []int64 {
	user := c.bidRequest.User
	if user == nil {
		return nil
	}

	if path == "yob" && user.Yob != 0 {
		return []int64{user.Yob}
	}
	return intAtPath(user.Ext, append([]string{"data"}, splitPath(path)...))
}

func (c *RequestContext) siteFirstPartyDataStrings(path string) []string {
	keys := splitPath(path)
	if values := stringAtPath(c.imp.Ext, append([]string{"context", "data"}, keys...)); values != nil {
		return values
	}
	if c.bidRequest.Site != nil {
		if values := stringAtPath(c.bidRequest.Site.Ext, append([]string{"data"}, keys...)); values != nil {
			return values
		}
	}
	if c.bidRequest.App != nil {
		if values := stringAtPath(c.bidRequest.App.Ext, append([]string{"data"}, keys...)); values != nil {
			return values
		}
	}
	return nil
}

func (c *RequestContext) siteFirstPartyDataIntegers(path string) []int64 {
	keys := splitPath(path)
	if values := intAtPath(c.imp.Ext, append([]string{"context", "data"}, keys...)); values != nil {
		return values
	}
	if c.bidRequest.Site != nil {
		if values := intAtPath(c.bidRequest.Site.Ext, append([]string{"data"}, keys...)); values != nil {
			return values
		}
	}
	if c.bidRequest.App != nil {
		if values := intAtPath(c.bidRequest.App.Ext, append([]string{"data"}, keys...)); values != nil {
			return values
		}
	}
	return nil
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// stringAtPath resolves a dot path inside an ext blob. A scalar yields a
// single value, an array of strings yields them all.
func stringAtPath(ext []byte, keys []string) []string {
	if len(ext) == 0 {
		return nil
	}

	value, valueType, _, err := jsonparser.Get(ext, keys...)
	if err != nil {
		return nil
	}

	switch valueType {
	case jsonparser.String:
		parsed, err := jsonparser.ParseString(value)
		if err != nil || parsed == "" {
			return nil
		}
		return []string{parsed}
	case jsonparser.Array:
		var values []string
		jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, _ error) {
			if itemType == jsonparser.String {
				if parsed, err := jsonparser.ParseString(item); err == nil && parsed != "" {
					values = append(values, parsed)
				}
			}
		})
		return values
	}
	return nil
}

func intAtPath(ext []byte, keys []string) []int64 {
	if len(ext) == 0 {
		return nil
	}

	value, valueType, _, err := jsonparser.Get(ext, keys...)
	if err != nil {
		return nil
	}

	switch valueType {
	case jsonparser.Number:
		parsed, err := jsonparser.ParseInt(value)
		if err != nil {
			return nil
		}
		return []int64{parsed}
	case jsonparser.Array:
		var values []int64
		jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, _ error) {
			if itemType == jsonparser.Number {
				if parsed, err := jsonparser.ParseInt(item); err == nil {
					values = append(values, parsed)
				}
			}
		})
		return values
	}
	return nil
}
