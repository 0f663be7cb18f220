package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ErrUnsupportedResponse is returned by TranslateResponse for response
// types outside the four known variants.
var ErrUnsupportedResponse = errors.New("unsupported response type")

// NormalizeRequest builds the application view of raw. The result shares no
// mutable state with raw or with other results built from it.
func NormalizeRequest(raw *Request) *AppRequest {
	server := make(map[string]string, len(raw.ServerParams)+len(raw.Headers)+3)
	server["REQUEST_URI"] = raw.Path
	server["REQUEST_METHOD"] = raw.Method
	server["QUERY_STRING"] = raw.RawQuery
	for k, v := range raw.ServerParams {
		server[k] = v
	}
	for _, f := range raw.Headers {
		if len(f.Values) > 0 {
			server[serverHeaderKey(f.Name)] = f.Values[0]
		}
	}

	// malformed pairs are dropped, the rest are kept
	query, _ := url.ParseQuery(raw.RawQuery)

	cookies := make(map[string]string, len(raw.Cookies))
	for k, v := range raw.Cookies {
		cookies[k] = v
	}

	var files []UploadedFile
	for _, f := range raw.Files {
		f.Content = append([]byte(nil), f.Content...)
		files = append(files, f)
	}

	return &AppRequest{
		Method:     raw.Method,
		Path:       raw.Path,
		Query:      query,
		Form:       BuildNestedForm(raw.Form),
		Attributes: map[string]string{"transport": "http"},
		Cookies:    cookies,
		Files:      files,
		Server:     server,
		Content:    append([]byte(nil), raw.Body...),
	}
}

func serverHeaderKey(name string) string {
	return "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// BuildNestedForm decodes bracketed field names into nested maps:
//
//	provider[title]=t, provider[address][city]=c
//	=> {"provider": {"title": "t", "address": {"city": "c"}}}
//
// Fields are merged in order; on a colliding leaf the later field wins.
func BuildNestedForm(fields []FormField) map[string]any {
	result := make(map[string]any)
	for _, f := range fields {
		keys := strings.Split(f.Name, "[")
		for i := range keys {
			keys[i] = strings.ReplaceAll(keys[i], "]", "")
		}
		var nested any = f.Value
		for i := len(keys) - 1; i >= 0; i-- {
			nested = map[string]any{keys[i]: nested}
		}
		mergeNested(result, nested.(map[string]any))
	}
	return result
}

func mergeNested(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		if cur, ok := dst[k].(map[string]any); ok {
			mergeNested(cur, sub)
			continue
		}
		dst[k] = sub
	}
}

// TranslateResponse converts res to its wire form. FileResponse bodies are
// read from disk here.
func TranslateResponse(res AppResponse) (*Response, error) {
	if isNilResponse(res) {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedResponse, res)
	}
	var body []byte
	switch r := res.(type) {
	case *PlainResponse:
		body = r.Body
	case *JSONResponse:
		body = r.Body
	case *RedirectResponse:
		body = r.Body
	case *FileResponse:
		content, err := os.ReadFile(r.Path)
		if err != nil {
			return nil, fmt.Errorf("read response file: %w", err)
		}
		body = content
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedResponse, res)
	}
	b := res.base()
	return &Response{
		Version: wireVersion(b.Version),
		Status:  b.Status,
		Phrase:  statusPhrase(b.Status),
		Headers: b.Headers.Clone(),
		Body:    body,
	}, nil
}

// isNilResponse reports a nil interface or a nil pointer of a known variant.
func isNilResponse(res AppResponse) bool {
	switch r := res.(type) {
	case nil:
		return true
	case *PlainResponse:
		return r == nil
	case *JSONResponse:
		return r == nil
	case *RedirectResponse:
		return r == nil
	case *FileResponse:
		return r == nil
	}
	return false
}
