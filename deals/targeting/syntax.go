package targeting

import (
	"strings"
)

// BooleanOperator is a combinator node discriminator in the targeting DSL.
type BooleanOperator string

const (
	BooleanOperatorAnd BooleanOperator = "$and"
	BooleanOperatorOr  BooleanOperator = "$or"
	BooleanOperatorNot BooleanOperator = "$not"
)

func isBooleanOperator(field string) bool {
	switch BooleanOperator(field) {
	case BooleanOperatorAnd, BooleanOperatorOr, BooleanOperatorNot:
		return true
	}
	return false
}

// MatchingFunction is a leaf predicate discriminator in the targeting DSL.
type MatchingFunction string

const (
	MatchingFunctionMatches    MatchingFunction = "$matches"
	MatchingFunctionIn         MatchingFunction = "$in"
	MatchingFunctionIntersects MatchingFunction = "$intersects"
	MatchingFunctionWithin     MatchingFunction = "$within"
)

func isMatchingFunction(field string) bool {
	switch MatchingFunction(field) {
	case MatchingFunctionMatches, MatchingFunctionIn, MatchingFunctionIntersects, MatchingFunctionWithin:
		return true
	}
	return false
}

// CategoryType identifies the request attribute a leaf targets.
type CategoryType string

const (
	CategorySize               CategoryType = "adunit.size"
	CategoryMediaType          CategoryType = "adunit.mediatype"
	CategoryAdslot             CategoryType = "adunit.adslot"
	CategoryDomain             CategoryType = "site.domain"
	CategoryPublisherDomain    CategoryType = "site.publisher.domain"
	CategoryReferrer           CategoryType = "site.referrer"
	CategoryAppBundle          CategoryType = "app.bundle"
	CategoryDeviceGeoExt       CategoryType = "device.geo.ext"
	CategoryDeviceExt          CategoryType = "device.ext"
	CategoryPagePosition       CategoryType = "pos"
	CategoryLocation           CategoryType = "geo.distance"
	CategoryBidderParam        CategoryType = "bidp"
	CategoryUserSegment        CategoryType = "segment"
	CategoryUserFirstPartyData CategoryType = "ufpd"
	CategorySiteFirstPartyData CategoryType = "sfpd"
	CategoryDow                CategoryType = "user.ext.time.userdow"
	CategoryHour               CategoryType = "user.ext.time.userhour"
)

var exactCategories = []CategoryType{
	CategorySize,
	CategoryMediaType,
	CategoryAdslot,
	CategoryDomain,
	CategoryPublisherDomain,
	CategoryReferrer,
	CategoryAppBundle,
	CategoryPagePosition,
	CategoryLocation,
	CategoryDow,
	CategoryHour,
}

// prefixCategories carry an attribute path after the category prefix,
// i.e. "bidp.rubicon.siteId" targets the rubicon siteId bidder parameter.
// Longer prefixes come first so "device.geo.ext." wins over "device.ext.".
var prefixCategories = []struct {
	categoryType CategoryType
	prefix       string
}{
	{CategoryDeviceGeoExt, "device.geo.ext."},
	{CategoryDeviceExt, "device.ext."},
	{CategoryBidderParam, "bidp."},
	{CategoryUserSegment, "segment."},
	{CategoryUserFirstPartyData, "ufpd."},
	{CategorySiteFirstPartyData, "sfpd."},
}

// Category is a parsed leaf attribute: the type plus, for prefix
// categories, the trailing attribute path.
type Category struct {
	Type CategoryType
	Path string
}

func isTargetingCategory(field string) bool {
	for _, categoryType := range exactCategories {
		if field == string(categoryType) {
			return true
		}
	}
	for _, entry := range prefixCategories {
		if strings.HasPrefix(field, entry.prefix) && len(field) > len(entry.prefix) {
			return true
		}
	}
	return false
}

func parseCategory(field string) Category {
	for _, categoryType := range exactCategories {
		if field == string(categoryType) {
			return Category{Type: categoryType}
		}
	}
	for _, entry := range prefixCategories {
		if strings.HasPrefix(field, entry.prefix) && len(field) > len(entry.prefix) {
			return Category{Type: entry.categoryType, Path: strings.TrimPrefix(field, entry.prefix)}
		}
	}
	return Category{}
}

// applicableFunctions lists the matching functions a category accepts,
// checked at parse time.
func applicableFunctions(categoryType CategoryType) []MatchingFunction {
	switch categoryType {
	case CategorySize, CategoryMediaType, CategoryUserSegment:
		return []MatchingFunction{MatchingFunctionIntersects}
	case CategoryDomain, CategoryPublisherDomain, CategoryReferrer, CategoryAppBundle, CategoryAdslot:
		return []MatchingFunction{MatchingFunctionMatches, MatchingFunctionIn}
	case CategoryDeviceGeoExt, CategoryDeviceExt:
		return []MatchingFunction{MatchingFunctionIn}
	case CategoryPagePosition, CategoryDow, CategoryHour:
		return []MatchingFunction{MatchingFunctionIn}
	case CategoryLocation:
		return []MatchingFunction{MatchingFunctionWithin}
	case CategoryBidderParam, CategoryUserFirstPartyData, CategorySiteFirstPartyData:
		return []MatchingFunction{MatchingFunctionMatches, MatchingFunctionIn, MatchingFunctionIntersects}
	}
	return nil
}

func functionApplicable(categoryType CategoryType, function MatchingFunction) bool {
	for _, candidate := range applicableFunctions(categoryType) {
		if candidate == function {
			return true
		}
	}
	return false
}

func functionNames(functions []MatchingFunction) string {
	names := make([]string, len(functions))
	for i, function := range functions {
		names[i] = string(function)
	}
	return strings.Join(names, ", ")
}
