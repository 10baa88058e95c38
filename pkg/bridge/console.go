package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
)

func (b *Bridge) console() map[string]any {
	entry := func() *logrus.Entry {
		return logger.G(b.ctx).WithFields(logrus.Fields{
			"skill_id": b.skillID,
			"source":   "console",
		})
	}
	return map[string]any{
		"log": sandbox.Func(func(args []any) (any, error) {
			entry().Info(formatConsole(args))
			return nil, nil
		}),
		"info": sandbox.Func(func(args []any) (any, error) {
			entry().Info(formatConsole(args))
			return nil, nil
		}),
		"warn": sandbox.Func(func(args []any) (any, error) {
			entry().Warn(formatConsole(args))
			return nil, nil
		}),
		"error": sandbox.Func(func(args []any) (any, error) {
			entry().Error(formatConsole(args))
			return nil, nil
		}),
	}
}

func formatConsole(args []any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			parts = append(parts, v)
		case nil:
			parts = append(parts, "null")
		case []byte:
			parts = append(parts, fmt.Sprintf("Uint8Array(%d)", len(v)))
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			} else {
				parts = append(parts, fmt.Sprint(v))
			}
		}
	}
	return strings.Join(parts, " ")
}
