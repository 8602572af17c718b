package mailchimp

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
)

// call issues one API call and decodes its response.
func call(ctx context.Context, r Requester, apiCall string, payload map[string]any) (gjson.Result, error) {
	body, err := r.Request(ctx, apiCall, payload)
	if err != nil {
		return gjson.Result{}, err
	}
	return decodeResponse(body)
}

// callAction issues one API call whose payload is discarded once it is
// confirmed to carry no error.
func callAction(ctx context.Context, r Requester, apiCall string, payload map[string]any) (bool, error) {
	if _, err := call(ctx, r, apiCall, payload); err != nil {
		return false, err
	}
	return true, nil
}

// decodeResponse parses a response body. An object with a non-null "error"
// key becomes an *APIError. JSON null and bodies that are not JSON at all
// become the zero Result.
func decodeResponse(body string) (gjson.Result, error) {
	trimmed := strings.TrimSpace(body)
	if !gjson.Valid(trimmed) {
		return gjson.Result{}, nil
	}

	res := gjson.Parse(trimmed)
	if res.IsObject() {
		if msg := res.Get("error"); msg.Exists() && msg.Type != gjson.Null {
			return gjson.Result{}, &APIError{
				Name:    res.Get("name").String(),
				Message: msg.String(),
				Code:    res.Get("code").String(),
			}
		}
	}

	if res.Type == gjson.Null {
		return gjson.Result{}, nil
	}
	return res, nil
}
