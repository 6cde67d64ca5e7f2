// Package http runs activities as HTTP calls.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/blackcoderx/havoc/pkg/types"
)

// Client issues the provider requests. Swappable for tests.
var Client = http.DefaultClient

// Validate checks the http-provider block of an activity.
func Validate(activity types.Activity) error {
	provider := activity.Provider()
	if cast.ToString(provider["url"]) == "" {
		return types.InvalidActivityf("a HTTP provider must have a URL")
	}
	return nil
}

// Run performs the activity's HTTP request, honoring the activity timeout.
// The result maps "status" to the response code, "headers" to the response
// headers and "body" to the decoded payload. When expected_status is set,
// any other response code fails the activity.
func Run(ctx context.Context, activity types.Activity,
	configuration types.Configuration, secrets types.Secrets) (any, error) {
	provider := activity.Provider()
	rawURL := cast.ToString(provider["url"])
	method := strings.ToUpper(cast.ToString(provider["method"]))
	if method == "" {
		method = http.MethodGet
	}
	headers := cast.ToStringMapString(provider["headers"])
	args, _ := cast.ToStringMapE(provider["arguments"])

	if timeout, ok := activity.Timeout(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	switch {
	case len(args) == 0:
	case method == http.MethodGet || method == http.MethodDelete ||
		method == http.MethodHead:
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, types.WrapActivityFailed("invalid URL '"+rawURL+"'", err)
		}
		query := parsed.Query()
		for k, v := range args {
			query.Set(k, cast.ToString(v))
		}
		parsed.RawQuery = query.Encode()
		rawURL = parsed.String()
	case strings.Contains(headers["Content-Type"], "application/json"):
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, types.WrapActivityFailed("could not encode request body", err)
		}
		body = bytes.NewReader(encoded)
	default:
		form := url.Values{}
		for k, v := range args {
			form.Set(k, cast.ToString(v))
		}
		body = strings.NewReader(form.Encode())
		if headers["Content-Type"] == "" {
			headers["Content-Type"] = "application/x-www-form-urlencoded"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, types.WrapActivityFailed("could not build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().Str("method", method).Str("url", rawURL).Msg("issuing request")

	resp, err := Client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.ActivityFailedf(
				"activity took too long to complete")
		}
		return nil, types.WrapActivityFailed("request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapActivityFailed("could not read response body", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var decoded any = string(payload)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(payload, &v); err == nil {
			decoded = v
		}
	}

	result := map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    decoded,
	}

	if expected, ok := provider["expected_status"]; ok && expected != nil {
		if !statusExpected(resp.StatusCode, expected) {
			return nil, types.ActivityFailedf(
				"HTTP call returned status %d, expected %v",
				resp.StatusCode, expected)
		}
	}
	return result, nil
}

func statusExpected(status int, expected any) bool {
	switch v := expected.(type) {
	case []any:
		for _, e := range v {
			if cast.ToInt(e) == status {
				return true
			}
		}
		return false
	default:
		return cast.ToInt(v) == status
	}
}
