package targeting

import (
	"math"
	"strings"
)

// Expression is a node of the compiled targeting tree. Evaluation never
// errors: lookups that cannot produce a value simply fail to match.
type Expression interface {
	Matches(ctx *RequestContext) bool
}

// TargetingDefinition is the root of a compiled targeting tree.
type TargetingDefinition struct {
	RootExpression Expression
}

func (d *TargetingDefinition) Matches(ctx *RequestContext) bool {
	return d.RootExpression.Matches(ctx)
}

type andExpression struct {
	expressions []Expression
}

func (e *andExpression) Matches(ctx *RequestContext) bool {
	for _, expression := range e.expressions {
		if !expression.Matches(ctx) {
			return false
		}
	}
	return true
}

type orExpression struct {
	expressions []Expression
}

func (e *orExpression) Matches(ctx *RequestContext) bool {
	for _, expression := range e.expressions {
		if expression.Matches(ctx) {
			return true
		}
	}
	return false
}

type notExpression struct {
	expression Expression
}

func (e *notExpression) Matches(ctx *RequestContext) bool {
	return !e.expression.Matches(ctx)
}

// domainMetricAwareExpression attributes domain evaluations to the owning
// line item so domain match rate can be reported per line item.
type domainMetricAwareExpression struct {
	expression Expression
	lineItemID string
}

func (e *domainMetricAwareExpression) Matches(ctx *RequestContext) bool {
	matched := e.expression.Matches(ctx)
	if matched && ctx.txnLog != nil {
		ctx.txnLog.RecordDomainMatched(e.lineItemID)
	}
	return matched
}

// matchesString performs case-insensitive wildcard matching, '*' standing
// for any run of characters.
type matchesString struct {
	category Category
	pattern  string
}

func (e *matchesString) Matches(ctx *RequestContext) bool {
	for _, value := range ctx.lookupStrings(e.category) {
		if wildcardMatch(e.pattern, value) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)

	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == value
	}

	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(value, last) {
		return false
	}
	value = value[:len(value)-len(last)]

	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}
	return true
}

type inStrings struct {
	category Category
	values   []string
}

func (e *inStrings) Matches(ctx *RequestContext) bool {
	for _, value := range ctx.lookupStrings(e.category) {
		for _, candidate := range e.values {
			if strings.EqualFold(candidate, value) {
				return true
			}
		}
	}
	return false
}

type inIntegers struct {
	category Category
	values   []int64
}

func (e *inIntegers) Matches(ctx *RequestContext) bool {
	for _, value := range ctx.lookupIntegers(e.category) {
		for _, candidate := range e.values {
			if candidate == value {
				return true
			}
		}
	}
	return false
}

type intersectsStrings struct {
	category Category
	values   []string
}

func (e *intersectsStrings) Matches(ctx *RequestContext) bool {
	for _, value := range ctx.lookupStrings(e.category) {
		for _, candidate := range e.values {
			if strings.EqualFold(candidate, value) {
				return true
			}
		}
	}
	return false
}

type intersectsIntegers struct {
	category Category
	values   []int64
}

func (e *intersectsIntegers) Matches(ctx *RequestContext) bool {
	for _, value := range ctx.lookupIntegers(e.category) {
		for _, candidate := range e.values {
			if candidate == value {
				return true
			}
		}
	}
	return false
}

// Size is a creative size in the DSL and in the request context.
type Size struct {
	W int64
	H int64
}

type intersectsSizes struct {
	category Category
	sizes    []Size
}

func (e *intersectsSizes) Matches(ctx *RequestContext) bool {
	for _, size := range ctx.lookupSizes(e.category) {
		for _, candidate := range e.sizes {
			if candidate == size {
				return true
			}
		}
	}
	return false
}

// GeoRegion is a circular geo fence with a radius in miles.
type GeoRegion struct {
	Lat         float64
	Lon         float64
	RadiusMiles float64
}

type within struct {
	category Category
	region   GeoRegion
}

func (e *within) Matches(ctx *RequestContext) bool {
	location := ctx.lookupGeoLocation()
	if location == nil {
		return false
	}
	return greatCircleMiles(location.Lat, location.Lon, e.region.Lat, e.region.Lon) <= e.region.RadiusMiles
}

const earthRadiusMiles = 3958.761

// greatCircleMiles computes the haversine distance between two points.
func greatCircleMiles(lat1, lon1, lat2, lon2 float64) float64 {
	toRadians := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusMiles * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
