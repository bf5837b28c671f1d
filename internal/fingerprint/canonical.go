package fingerprint

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/quillworks/cascade/pkg/schema"
)

// fileTokenFunc substitutes a file reference with a policy-dependent token.
type fileTokenFunc func(path string) (string, error)

// canonicalize writes a stable, type-tagged byte encoding of v into buf.
// Map keys are emitted in sorted order and all numbers share one encoding,
// so a value and its JSON round trip canonicalize identically.
func canonicalize(buf *bytes.Buffer, v any, file fileTokenFunc) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("z;")
	case bool:
		buf.WriteString("b:")
		buf.WriteString(strconv.FormatBool(x))
		buf.WriteByte(';')
	case string:
		buf.WriteString("s:")
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.WriteString(x)
		buf.WriteByte(';')
	case int:
		writeNumber(buf, float64(x))
	case int32:
		writeNumber(buf, float64(x))
	case int64:
		writeNumber(buf, float64(x))
	case float32:
		writeNumber(buf, float64(x))
	case float64:
		writeNumber(buf, x)
	case schema.FileRef:
		return writeFile(buf, x.Path, file)
	case *schema.FileRef:
		return writeFile(buf, x.Path, file)
	case []any:
		buf.WriteString("l:[")
		for _, el := range x {
			if err := canonicalize(buf, el, file); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteString("l:[")
		for _, el := range x {
			if err := canonicalize(buf, el, file); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		// A single "$file" key is a FileRef that went through JSON.
		if path, ok := x["$file"].(string); ok && len(x) == 1 {
			return writeFile(buf, path, file)
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("m:{")
		for _, k := range keys {
			buf.WriteString("s:")
			buf.WriteString(strconv.Itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			buf.WriteByte('=')
			if err := canonicalize(buf, x[k], file); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported value kind %T in fingerprint input", v)
	}
	return nil
}

// writeNumber encodes every numeric kind uniformly. Integer and float inputs
// with the same value must hash the same, because persisted inputs come back
// from JSON as float64.
func writeNumber(buf *bytes.Buffer, f float64) {
	buf.WriteString("n:")
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	buf.WriteByte(';')
}

func writeFile(buf *bytes.Buffer, path string, file fileTokenFunc) error {
	token, err := file(path)
	if err != nil {
		return fmt.Errorf("file token for %s: %w", path, err)
	}
	buf.WriteString("F:")
	buf.WriteString(token)
	buf.WriteByte(';')
	return nil
}
