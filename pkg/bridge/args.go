package bridge

import (
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
)

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func stringArg(args []any, i int, name string) (string, error) {
	s, ok := argAt(args, i).(string)
	if !ok {
		return "", errors.Errorf("%s must be a string", name)
	}
	return s, nil
}

// optionsArg accepts either an options object or a bare string, which is
// treated as {key: value}.
func optionsArg(args []any, i int, key string) map[string]any {
	switch v := argAt(args, i).(type) {
	case map[string]any:
		return v
	case string:
		return map[string]any{key: v}
	}
	return map[string]any{}
}

func boolOpt(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

func stringOpt(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// toBytes converts script data into bytes, decoding base64 when asked.
func toBytes(data any, encoding string) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case string:
		if encoding == "base64" {
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, errors.Wrap(err, "invalid base64 data")
			}
			return b, nil
		}
		return []byte(v), nil
	case nil:
		return nil, errors.New("data is required")
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}
