package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize serializes v with object keys sorted lexicographically at
// every level, no insignificant whitespace, and numbers in one fixed form:
// integral values in exact base 10 whatever their size or spelling, fractions
// in the shortest 'g' representation. Two documents that differ only in key
// order or number spelling ("75.0" vs "75", "1e15" vs "1000000000000000")
// produce identical bytes.
func Canonicalize(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fingerprint returns the hex SHA-256 of canonical bytes.
func Fingerprint(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		return writeString(buf, t)
	case json.Number:
		return writeNumber(buf, t)
	case float64:
		return writeFloat(buf, t)
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Typed values (structs, typed slices): round-trip through
		// encoding/json into the generic shape first.
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", t, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic interface{}
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonicalize %T: %w", t, err)
		}
		return writeCanonical(buf, generic)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// maxNumberExponent bounds the decimal exponent accepted for exact
// integer conversion; big.Rat would otherwise allocate 10^exp.
const maxNumberExponent = 1000

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if exp, ok := decimalExponent(s); ok && exp <= maxNumberExponent && exp >= -maxNumberExponent {
		r, ok := new(big.Rat).SetString(s)
		if !ok {
			return fmt.Errorf("canonicalize number %q: malformed", s)
		}
		if r.IsInt() {
			buf.WriteString(r.Num().String())
			return nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonicalize number %q: %w", s, err)
	}
	return writeFloat(buf, f)
}

// decimalExponent returns the exponent part of a JSON number, 0 if absent.
func decimalExponent(s string) (int, bool) {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return 0, true
	}
	exp, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return 0, false
	}
	return exp, true
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicalize number: %v is not representable in JSON", f)
	}
	if f == math.Trunc(f) {
		i, _ := big.NewFloat(f).Int(nil)
		buf.WriteString(i.String())
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
