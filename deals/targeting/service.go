package targeting

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/prebid/pg-engine/errortypes"
)

// Service compiles raw targeting JSON into expression trees and evaluates
// them against request contexts.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// ParseTargetingDefinition compiles the targeting JSON of a line item.
// The line item id is bound into domain leaves for match attribution.
// Grammar violations surface as parse errors, never as evaluation errors.
func (s *Service) ParseTargetingDefinition(targeting json.RawMessage, lineItemID string) (*TargetingDefinition, error) {
	root, err := parseNode(targeting, lineItemID)
	if err != nil {
		return nil, err
	}
	return &TargetingDefinition{RootExpression: root}, nil
}

// MatchesTargeting walks the compiled tree against the request context.
func (s *Service) MatchesTargeting(ctx *RequestContext, definition *TargetingDefinition) bool {
	return definition.Matches(ctx)
}

func syntaxError(format string, args ...interface{}) error {
	return &errortypes.MalformedTargeting{Message: fmt.Sprintf(format, args...)}
}

func parseNode(raw json.RawMessage, lineItemID string) (Expression, error) {
	field, value, err := singleField(raw)
	if err != nil {
		return nil, err
	}

	switch {
	case isBooleanOperator(field):
		return parseBooleanOperator(BooleanOperator(field), value, lineItemID)
	case isTargetingCategory(field):
		return parseTargetingCategory(parseCategory(field), value, lineItemID)
	default:
		return nil, syntaxError("Expected either boolean operator or targeting category, got %s", field)
	}
}

func singleField(raw json.RawMessage) (string, json.RawMessage, error) {
	if nodeType(raw) != "OBJECT" {
		return "", nil, syntaxError("Expected object, got %s", nodeType(raw))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", nil, syntaxError("Expected object, got %s", nodeType(raw))
	}
	if len(fields) != 1 {
		return "", nil, syntaxError("Expected only one element in the object, got %d", len(fields))
	}

	for field, value := range fields {
		return field, value, nil
	}
	return "", nil, syntaxError("Expected only one element in the object, got %d", 0)
}

func parseBooleanOperator(operator BooleanOperator, value json.RawMessage, lineItemID string) (Expression, error) {
	switch operator {
	case BooleanOperatorAnd, BooleanOperatorOr:
		if nodeType(value) != "ARRAY" {
			return nil, syntaxError("Expected array, got %s", nodeType(value))
		}
		var elements []json.RawMessage
		if err := json.Unmarshal(value, &elements); err != nil {
			return nil, syntaxError("Expected array, got %s", nodeType(value))
		}

		expressions := make([]Expression, len(elements))
		for i, element := range elements {
			expression, err := parseNode(element, lineItemID)
			if err != nil {
				return nil, err
			}
			expressions[i] = expression
		}

		if operator == BooleanOperatorAnd {
			return &andExpression{expressions: expressions}, nil
		}
		return &orExpression{expressions: expressions}, nil

	default: // $not
		expression, err := parseNode(value, lineItemID)
		if err != nil {
			return nil, err
		}
		return &notExpression{expression: expression}, nil
	}
}

func parseTargetingCategory(category Category, value json.RawMessage, lineItemID string) (Expression, error) {
	field, functionValue, err := singleField(value)
	if err != nil {
		return nil, err
	}

	if !isMatchingFunction(field) {
		return nil, syntaxError("Expected matching function, got %s", field)
	}

	function := MatchingFunction(field)
	if !functionApplicable(category.Type, function) {
		applicable := applicableFunctions(category.Type)
		if len(applicable) == 1 {
			return nil, syntaxError("Expected %s matching function, got %s", applicable[0], function)
		}
		return nil, syntaxError("Expected one of %s matching functions, got %s",
			functionNames(applicable), function)
	}

	expression, err := parseFunction(category, function, functionValue)
	if err != nil {
		return nil, err
	}

	if category.Type == CategoryDomain && lineItemID != "" {
		expression = &domainMetricAwareExpression{expression: expression, lineItemID: lineItemID}
	}
	return expression, nil
}

func parseFunction(category Category, function MatchingFunction, value json.RawMessage) (Expression, error) {
	switch category.Type {
	case CategorySize:
		sizes, err := parseSizes(value)
		if err != nil {
			return nil, err
		}
		return &intersectsSizes{category: category, sizes: sizes}, nil

	case CategoryMediaType, CategoryUserSegment:
		values, err := parseStrings(value)
		if err != nil {
			return nil, err
		}
		return &intersectsStrings{category: category, values: values}, nil

	case CategoryDomain, CategoryPublisherDomain, CategoryReferrer, CategoryAppBundle, CategoryAdslot:
		if function == MatchingFunctionMatches {
			pattern, err := parseString(value)
			if err != nil {
				return nil, err
			}
			return &matchesString{category: category, pattern: pattern}, nil
		}
		values, err := parseStrings(value)
		if err != nil {
			return nil, err
		}
		return &inStrings{category: category, values: values}, nil

	case CategoryDeviceGeoExt, CategoryDeviceExt:
		values, err := parseStrings(value)
		if err != nil {
			return nil, err
		}
		return &inStrings{category: category, values: values}, nil

	case CategoryPagePosition, CategoryDow, CategoryHour:
		values, err := parseIntegers(value)
		if err != nil {
			return nil, err
		}
		return &inIntegers{category: category, values: values}, nil

	case CategoryLocation:
		region, err := parseGeoRegion(value)
		if err != nil {
			return nil, err
		}
		return &within{category: category, region: region}, nil

	default: // bidp, ufpd, sfpd carry typed values
		return parseTypedFunction(category, function, value)
	}
}

func parseTypedFunction(category Category, function MatchingFunction, value json.RawMessage) (Expression, error) {
	if function == MatchingFunctionMatches {
		pattern, err := parseString(value)
		if err != nil {
			return nil, err
		}
		return &matchesString{category: category, pattern: pattern}, nil
	}

	if nodeType(value) != "ARRAY" {
		return nil, syntaxError("Expected array, got %s", nodeType(value))
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(value, &elements); err != nil {
		return nil, syntaxError("Expected array, got %s", nodeType(value))
	}

	elementType := "STRING"
	if len(elements) > 0 {
		elementType = nodeType(elements[0])
	}

	switch elementType {
	case "STRING":
		values, err := parseStrings(value)
		if err != nil {
			return nil, err
		}
		if function == MatchingFunctionIn {
			return &inStrings{category: category, values: values}, nil
		}
		return &intersectsStrings{category: category, values: values}, nil

	case "NUMBER":
		values, err := parseIntegers(value)
		if err != nil {
			return nil, err
		}
		if function == MatchingFunctionIn {
			return &inIntegers{category: category, values: values}, nil
		}
		return &intersectsIntegers{category: category, values: values}, nil

	default:
		return nil, syntaxError("Expected string or integer, got %s", elementType)
	}
}

func parseString(value json.RawMessage) (string, error) {
	if nodeType(value) != "STRING" {
		return "", syntaxError("Expected string, got %s", nodeType(value))
	}
	var parsed string
	if err := json.Unmarshal(value, &parsed); err != nil {
		return "", syntaxError("Expected string, got %s", nodeType(value))
	}
	if parsed == "" {
		return "", syntaxError("String value could not be empty")
	}
	return parsed, nil
}

func parseStrings(value json.RawMessage) ([]string, error) {
	elements, err := parseArray(value)
	if err != nil {
		return nil, err
	}

	values := make([]string, len(elements))
	for i, element := range elements {
		parsed, err := parseString(element)
		if err != nil {
			return nil, err
		}
		values[i] = parsed
	}
	return values, nil
}

func parseIntegers(value json.RawMessage) ([]int64, error) {
	elements, err := parseArray(value)
	if err != nil {
		return nil, err
	}

	values := make([]int64, len(elements))
	for i, element := range elements {
		parsed, err := parseInteger(element)
		if err != nil {
			return nil, err
		}
		values[i] = parsed
	}
	return values, nil
}

func parseInteger(value json.RawMessage) (int64, error) {
	if nodeType(value) != "NUMBER" {
		return 0, syntaxError("Expected integer, got %s", nodeType(value))
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
	if err != nil {
		return 0, syntaxError("Expected integer, got %s", nodeType(value))
	}
	return parsed, nil
}

func parseArray(value json.RawMessage) ([]json.RawMessage, error) {
	if nodeType(value) != "ARRAY" {
		return nil, syntaxError("Expected array, got %s", nodeType(value))
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(value, &elements); err != nil {
		return nil, syntaxError("Expected array, got %s", nodeType(value))
	}
	return elements, nil
}

func parseSizes(value json.RawMessage) ([]Size, error) {
	elements, err := parseArray(value)
	if err != nil {
		return nil, err
	}

	sizes := make([]Size, len(elements))
	for i, element := range elements {
		if nodeType(element) != "OBJECT" {
			return nil, syntaxError("Expected object, got %s", nodeType(element))
		}

		var size struct {
			W *int64 `json:"w"`
			H *int64 `json:"h"`
		}
		if err := json.Unmarshal(element, &size); err != nil || size.W == nil || size.H == nil {
			return nil, syntaxError("Height and width in size definition could not be null or missing")
		}
		sizes[i] = Size{W: *size.W, H: *size.H}
	}
	return sizes, nil
}

func parseGeoRegion(value json.RawMessage) (GeoRegion, error) {
	if nodeType(value) != "OBJECT" {
		return GeoRegion{}, syntaxError("Expected object, got %s", nodeType(value))
	}

	var region struct {
		Lat         *float64 `json:"lat"`
		Lon         *float64 `json:"lon"`
		RadiusMiles *float64 `json:"radiusMiles"`
	}
	if err := json.Unmarshal(value, &region); err != nil ||
		region.Lat == nil || region.Lon == nil || region.RadiusMiles == nil {

		return GeoRegion{}, syntaxError("Lat, lon and radiusMiles in geo region definition could not be null or missing")
	}
	return GeoRegion{Lat: *region.Lat, Lon: *region.Lon, RadiusMiles: *region.RadiusMiles}, nil
}

// nodeType names the JSON value type the way parse errors report it.
func nodeType(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "NULL"
	}
	switch trimmed[0] {
	case '{':
		return "OBJECT"
	case '[':
		return "ARRAY"
	case '"':
		return "STRING"
	case 't', 'f':
		return "BOOLEAN"
	case 'n':
		return "NULL"
	default:
		return "NUMBER"
	}
}
