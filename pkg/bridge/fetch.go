package bridge

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/async"
	"github.com/jingkaihe/skillbox/pkg/logger"
)

// fetch performs an HTTP request on behalf of the script and resolves to a
// plain response object. Network failures and blocked hosts reject.
func (b *Bridge) fetch(args []any) (any, error) {
	rawURL, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	opts := optionsArg(args, 1, "method")

	if b.filter != nil {
		ok, err := b.filter.IsAllowed(rawURL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("fetch to %s is not allowed", rawURL)
		}
	}

	method := strings.ToUpper(stringOpt(opts, "method"))
	if method == "" {
		method = http.MethodGet
	}

	req := b.client.R().SetContext(b.ctx)
	if headers, ok := opts["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.SetHeader(k, s)
			}
		}
	}
	if body, ok := opts["body"]; ok && body != nil {
		switch v := body.(type) {
		case string:
			req.SetBody(v)
		case []byte:
			req.SetBody(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrap(err, "request body is not serialisable")
			}
			req.SetBody(raw)
			if req.Header.Get("Content-Type") == "" {
				req.SetHeader("Content-Type", "application/json")
			}
		}
	}

	log := logger.G(b.ctx).WithField("skill_id", b.skillID).WithField("url", rawURL)
	return async.Go(func() (any, error) {
		resp, err := req.Execute(method, rawURL)
		if err != nil {
			log.WithError(err).Debug("fetch failed")
			return nil, errors.Wrapf(err, "fetch %s", rawURL)
		}

		headers := make(map[string]any, len(resp.Header()))
		for k, v := range resp.Header() {
			headers[strings.ToLower(k)] = strings.Join(v, ", ")
		}
		finalURL := rawURL
		if resp.RawResponse != nil && resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
			finalURL = resp.RawResponse.Request.URL.String()
		}

		log.WithField("status", resp.StatusCode()).Debug("fetch completed")
		return map[string]any{
			"ok":         resp.StatusCode() >= 200 && resp.StatusCode() < 300,
			"status":     resp.StatusCode(),
			"statusText": http.StatusText(resp.StatusCode()),
			"headers":    headers,
			"url":        finalURL,
			"body":       parseBody(resp.Body()),
		}, nil
	}), nil
}

// parseBody returns the decoded JSON value when the payload is JSON, and the
// raw text otherwise.
func parseBody(raw []byte) any {
	var v any
	if len(raw) > 0 && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}
