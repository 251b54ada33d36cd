package normalise

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// fields is a decoded JSON object. Numbers are kept as json.Number so no
// precision is lost before they reach decimal arithmetic.
type fields map[string]any

func decodeFields(raw []byte) (fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if m == nil {
		return nil, errors.New("payload is not a json object")
	}
	return fields(m), nil
}

func (f fields) object(key string) fields {
	if f == nil {
		return nil
	}
	v, _ := f[key].(map[string]any)
	return fields(v)
}

func (f fields) list(key string) []any {
	if f == nil {
		return nil
	}
	v, _ := f[key].([]any)
	return v
}

// str returns the first non-empty scalar among keys as a string.
func (f fields) str(keys ...string) string {
	for _, key := range keys {
		if s, ok := scalarString(f[key]); ok && s != "" {
			return s
		}
	}
	return ""
}

// decimal parses a number or numeric string.
func (f fields) decimal(key string) (decimal.Decimal, bool, error) {
	s, ok := scalarString(f[key])
	if !ok || s == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("field %s: invalid amount %q", key, s)
	}
	return d, true, nil
}

// bigInt parses an integer given as a number, decimal string or 0x hex string.
func (f fields) bigInt(key string) (*big.Int, bool, error) {
	s, ok := scalarString(f[key])
	if !ok || s == "" {
		return nil, false, nil
	}
	v, err := parseBigInt(s)
	if err != nil {
		return nil, false, fmt.Errorf("field %s: %w", key, err)
	}
	return v, true, nil
}

// timestamp reads the first present key as unix seconds, unix milliseconds,
// hex seconds or an RFC 3339 string.
func (f fields) timestamp(keys ...string) (time.Time, bool, error) {
	for _, key := range keys {
		s, ok := scalarString(f[key])
		if !ok || s == "" {
			continue
		}
		t, err := parseTimestamp(s)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("field %s: %w", key, err)
		}
		return t, true, nil
	}
	return time.Time{}, false, nil
}

func parseBigInt(s string) (*big.Int, error) {
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if strings.HasPrefix(s, "0x") {
		secs, err := hexutil.DecodeUint64(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid hex timestamp %q: %w", s, err)
		}
		return time.Unix(int64(secs), 0).UTC(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// flatten writes every scalar under v into out with dotted keys. Keys listed
// in skip are ignored at the top level.
func flatten(prefix string, v any, out map[string]string, skip map[string]bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if prefix == "" && skip[k] {
				continue
			}
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out, nil)
		}
	case fields:
		flatten(prefix, map[string]any(t), out, skip)
	case []any:
		for i, child := range t {
			flatten(fmt.Sprintf("%s.%d", prefix, i), child, out, nil)
		}
	case nil:
	default:
		if s, ok := scalarString(t); ok && prefix != "" {
			out[prefix] = s
		}
	}
}

func setIfPresent(meta map[string]string, key, value string) {
	if value != "" {
		meta[key] = value
	}
}
