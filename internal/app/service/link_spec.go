package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sifan077/PowerLink/internal/app/model"
)

// ParseLinkSpec checks a loosely typed description, as decoded from JSON with
// UseNumber, and converts it into a LinkSpec. Absent keys take their defaults;
// present keys of the wrong type are rejected.
func ParseLinkSpec(raw map[string]interface{}) (LinkSpec, error) {
	var spec LinkSpec

	if v, ok := present(raw, "limit"); ok {
		n, err := toInt64(v)
		if err != nil {
			return LinkSpec{}, fmt.Errorf("%w: limit must be a whole number", ErrInvalidLink)
		}
		spec.Limit = int(n)
	}

	if v, ok := present(raw, "expires"); ok {
		t, err := toTime(v)
		if err != nil {
			return LinkSpec{}, fmt.Errorf("%w: expires must be an RFC 3339 time", ErrInvalidLink)
		}
		spec.Expires = t
	}

	for key, dst := range map[string]*string{
		"reason":     &spec.Reason,
		"reasonType": &spec.ReasonType,
	} {
		if v, ok := present(raw, key); ok {
			s, isString := v.(string)
			if !isString {
				return LinkSpec{}, fmt.Errorf("%w: %s must be a string", ErrInvalidLink, key)
			}
			*dst = s
		}
	}

	if v, ok := present(raw, "reasonOid"); ok {
		n, err := toOID(v)
		if err != nil {
			return LinkSpec{}, fmt.Errorf("%w: reasonOid must be a 64-bit integer", ErrInvalidLink)
		}
		spec.ReasonOID = n
	}

	v, ok := present(raw, "action")
	if !ok {
		return LinkSpec{}, fmt.Errorf("%w: action is required", ErrInvalidLink)
	}
	action, err := toAction(v)
	if err != nil {
		return LinkSpec{}, err
	}
	spec.Action = action

	return spec, nil
}

func present(raw map[string]interface{}, key string) (interface{}, bool) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return toInt64(f)
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, fmt.Errorf("not a whole number: %v", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// toOID accepts integers only. Decimal strings are allowed because JSON numbers
// lose precision above 2^53.
func toOID(v interface{}) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return strconv.ParseInt(n.String(), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	default:
		return time.Time{}, fmt.Errorf("not a time: %T", v)
	}
}

func toAction(v interface{}) (model.Action, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return model.Action{}, fmt.Errorf("%w: action must be an object", ErrInvalidLink)
	}

	typ, ok := obj["type"].(string)
	if !ok {
		return model.Action{}, fmt.Errorf("%w: action.type must be a string", ErrInvalidLink)
	}

	action := model.Action{Type: typ}
	for key, value := range obj {
		if key == "type" || value == nil {
			continue
		}
		if key == "params" {
			params, ok := value.(map[string]interface{})
			if !ok {
				return model.Action{}, fmt.Errorf("%w: action.params must be an object", ErrInvalidLink)
			}
			for pk, pv := range params {
				if err := setParam(&action, pk, pv); err != nil {
					return model.Action{}, err
				}
			}
			continue
		}

		s, ok := value.(string)
		if !ok {
			return model.Action{}, fmt.Errorf("%w: action.%s must be a string", ErrInvalidLink, key)
		}
		switch key {
		case "url":
			action.URL = s
		case "title":
			action.Title = s
		case "message":
			action.Message = s
		default:
			if err := setParam(&action, key, s); err != nil {
				return model.Action{}, err
			}
		}
	}

	return action, nil
}

func setParam(action *model.Action, key string, value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: action.params.%s must be a string", ErrInvalidLink, key)
	}
	if action.Params == nil {
		action.Params = make(map[string]string)
	}
	action.Params[key] = s
	return nil
}
