package constraint

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Evaluate checks every constraint against the node's attribute map.
// Constraints are ANDed; a missing attribute fails the constraint, it is
// never treated as a wildcard match. Evaluation is deterministic for a
// given (constraints, attributes) pair.
func Evaluate(constraints []*types.Constraint, node *types.Node) bool {
	for _, c := range constraints {
		value, ok := node.Attributes[c.Attribute]
		if !ok {
			return false
		}
		if !match(c, value) {
			return false
		}
	}
	return true
}

// EvaluateDevices checks a group's device requests against the node's
// device inventory and the ledger's live free-unit counts. Device
// constraints are evaluated against the inventory summary, not the
// free-form attribute map, and a class only qualifies while enough
// unreserved units remain, so the result varies with ledger state.
func EvaluateDevices(reqs []*types.DeviceRequest, node *types.Node, l *ledger.Ledger) bool {
	for _, req := range reqs {
		if !deviceGroupMatches(req, node) {
			return false
		}
		if l.AvailableDevices(node.ID, req.Class) < req.Units {
			return false
		}
	}
	return true
}

// Validate rejects malformed constraints at specification-validation
// time: unknown operators, non-numeric ge/le operands and regexes that
// do not compile. Catching these here keeps placement-time evaluation
// a pure boolean.
func Validate(constraints []*types.Constraint) error {
	for _, c := range constraints {
		switch c.Operator {
		case types.ConstraintEquals, types.ConstraintNotEquals, types.ConstraintSetContains:
		case types.ConstraintGreaterEq, types.ConstraintLessEq:
			if _, err := strconv.ParseFloat(c.Value, 64); err != nil {
				return fmt.Errorf("constraint %q %s %q: value is not numeric", c.Attribute, c.Operator, c.Value)
			}
		case types.ConstraintRegex:
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("constraint %q regex %q: %w", c.Attribute, c.Value, err)
			}
		default:
			return fmt.Errorf("constraint %q: unknown operator %q", c.Attribute, c.Operator)
		}
	}
	return nil
}

func match(c *types.Constraint, value string) bool {
	switch c.Operator {
	case types.ConstraintEquals:
		return value == c.Value

	case types.ConstraintNotEquals:
		return value != c.Value

	case types.ConstraintSetContains:
		// The constraint value is a comma-delimited literal set; the
		// node attribute must equal one of its members.
		for _, member := range strings.Split(c.Value, ",") {
			if value == strings.TrimSpace(member) {
				return true
			}
		}
		return false

	case types.ConstraintGreaterEq, types.ConstraintLessEq:
		have, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		want, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false
		}
		if c.Operator == types.ConstraintGreaterEq {
			return have >= want
		}
		return have <= want

	case types.ConstraintRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)

	default:
		return false
	}
}

// deviceGroupMatches looks for a device group of the requested class
// whose summary attributes satisfy the request's constraints.
func deviceGroupMatches(req *types.DeviceRequest, node *types.Node) bool {
	for _, dg := range node.Devices {
		if dg.Class != req.Class {
			continue
		}
		if deviceConstraintsHold(req.Constraints, dg) {
			return true
		}
	}
	return false
}

func deviceConstraintsHold(constraints []*types.Constraint, dg *types.DeviceGroup) bool {
	attrs := map[string]string{
		"device.class":  dg.Class,
		"device.vendor": dg.Vendor,
		"device.units":  strconv.FormatInt(dg.Units, 10),
	}
	for _, c := range constraints {
		value, ok := attrs[c.Attribute]
		if !ok {
			return false
		}
		if !match(c, value) {
			return false
		}
	}
	return true
}
