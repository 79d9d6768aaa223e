package codec

import (
	"fmt"
	"math"
	"math/big"
	"time"
)

// Undefined is the Go stand-in for the wire's "undefined" value, the one
// JSON-native case the spec's dynamic type set doesn't already cover
// (spec.md §4.7: "string, number, ..., undefined").
type Undefined struct{}

// WireError is the Go realization of the spec's serialized Error: name and
// message round-trip; the stack is optional and not reproduced on decode.
type WireError struct {
	Name    string
	Message string
	Stack   string
}

func (e *WireError) Error() string { return e.Name + ": " + e.Message }

// MapEntry is one key/value pair of a JSMap, kept as an ordered slice (not a
// Go map) so that Map round-trips preserve insertion order the way a JS Map
// does.
type MapEntry struct {
	Key   any
	Value any
}

// JSMap is the Go realization of a JS `Map`.
type JSMap []MapEntry

// JSSet is the Go realization of a JS `Set`.
type JSSet []any

// Regexp is the Go realization of a JS `RegExp`: source pattern plus flags,
// carried as data rather than a compiled *regexp.Regexp since the flags
// (e.g. "gi") don't map onto Go's regexp syntax.
type Regexp struct {
	Source string
	Flags  string
}

const (
	tagDate    = "date"
	tagError   = "error"
	tagBigInt  = "bigint"
	tagMap     = "map"
	tagSet     = "set"
	tagRegexp  = "regexp"
	tagUndef   = "undefined"
	tagNumber  = "number"
	tagFieldT  = "$t"
	tagFieldV  = "v"
	tagFieldV2 = "v2" // second payload slot, used by regexp's flags
)

// wrap applies the tagged-wrapper transform recursively during encode
// (spec.md §4.7): every value of a type JSON can't represent natively is
// replaced by {"$t": <tag>, "v": ...}; everything else passes through,
// recursing into arrays/objects so nested natives are wrapped too.
func wrap(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case Undefined:
		return map[string]any{tagFieldT: tagUndef}, nil
	case time.Time:
		return map[string]any{tagFieldT: tagDate, tagFieldV: val.UnixMilli()}, nil
	case *WireError:
		return map[string]any{
			tagFieldT: tagError,
			tagFieldV: map[string]any{"name": val.Name, "message": val.Message, "stack": val.Stack},
		}, nil
	case error:
		return map[string]any{
			tagFieldT: tagError,
			tagFieldV: map[string]any{"name": "Error", "message": val.Error()},
		}, nil
	case *big.Int:
		return map[string]any{tagFieldT: tagBigInt, tagFieldV: val.String()}, nil
	case JSMap:
		entries := make([][2]any, 0, len(val))
		for _, e := range val {
			wk, err := wrap(e.Key)
			if err != nil {
				return nil, err
			}
			wv, err := wrap(e.Value)
			if err != nil {
				return nil, err
			}
			entries = append(entries, [2]any{wk, wv})
		}
		return map[string]any{tagFieldT: tagMap, tagFieldV: entries}, nil
	case JSSet:
		items := make([]any, 0, len(val))
		for _, item := range val {
			wi, err := wrap(item)
			if err != nil {
				return nil, err
			}
			items = append(items, wi)
		}
		return map[string]any{tagFieldT: tagSet, tagFieldV: items}, nil
	case Regexp:
		return map[string]any{tagFieldT: tagRegexp, tagFieldV: val.Source, tagFieldV2: val.Flags}, nil
	case float64:
		if math.IsNaN(val) {
			return map[string]any{tagFieldT: tagNumber, tagFieldV: "NaN"}, nil
		}
		if math.IsInf(val, 1) {
			return map[string]any{tagFieldT: tagNumber, tagFieldV: "Infinity"}, nil
		}
		if math.IsInf(val, -1) {
			return map[string]any{tagFieldT: tagNumber, tagFieldV: "-Infinity"}, nil
		}
		return val, nil
	case string, bool, int, int32, int64, uint, uint32, uint64, float32:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			wi, err := wrap(item)
			if err != nil {
				return nil, err
			}
			out[k] = wi
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			wi, err := wrap(item)
			if err != nil {
				return nil, err
			}
			out[i] = wi
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

// unwrap inverts wrap during decode: a tagged {"$t":...} object becomes its
// native Go type; everything else recurses through plain JSON-decoded trees
// (map[string]any, []any, string, float64, bool, nil).
func unwrap(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if tag, ok := val[tagFieldT]; ok {
			return unwrapTagged(tag, val)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			ui, err := unwrap(item)
			if err != nil {
				return nil, err
			}
			out[k] = ui
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			ui, err := unwrap(item)
			if err != nil {
				return nil, err
			}
			out[i] = ui
		}
		return out, nil
	default:
		return val, nil
	}
}

func unwrapTagged(tag any, obj map[string]any) (any, error) {
	tagStr, _ := tag.(string)
	switch tagStr {
	case tagUndef:
		return Undefined{}, nil
	case tagDate:
		ms, ok := obj[tagFieldV].(float64)
		if !ok {
			return nil, fmt.Errorf("date tag missing numeric v")
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	case tagError:
		fields, ok := obj[tagFieldV].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("error tag missing v object")
		}
		name, _ := fields["name"].(string)
		message, _ := fields["message"].(string)
		stack, _ := fields["stack"].(string)
		return &WireError{Name: name, Message: message, Stack: stack}, nil
	case tagBigInt:
		s, ok := obj[tagFieldV].(string)
		if !ok {
			return nil, fmt.Errorf("bigint tag missing string v")
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid bigint literal %q", s)
		}
		return n, nil
	case tagMap:
		rawEntries, ok := obj[tagFieldV].([]any)
		if !ok {
			return nil, fmt.Errorf("map tag missing array v")
		}
		entries := make(JSMap, 0, len(rawEntries))
		for _, re := range rawEntries {
			pair, ok := re.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("map entry must be a 2-element array")
			}
			k, err := unwrap(pair[0])
			if err != nil {
				return nil, err
			}
			vv, err := unwrap(pair[1])
			if err != nil {
				return nil, err
			}
			entries = append(entries, MapEntry{Key: k, Value: vv})
		}
		return entries, nil
	case tagSet:
		rawItems, ok := obj[tagFieldV].([]any)
		if !ok {
			return nil, fmt.Errorf("set tag missing array v")
		}
		items := make(JSSet, 0, len(rawItems))
		for _, ri := range rawItems {
			ui, err := unwrap(ri)
			if err != nil {
				return nil, err
			}
			items = append(items, ui)
		}
		return items, nil
	case tagRegexp:
		source, _ := obj[tagFieldV].(string)
		flags, _ := obj[tagFieldV2].(string)
		return Regexp{Source: source, Flags: flags}, nil
	case tagNumber:
		s, _ := obj[tagFieldV].(string)
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return nil, fmt.Errorf("unrecognized number sentinel %q", s)
	default:
		return nil, fmt.Errorf("unknown tag %q", tagStr)
	}
}
