package pushrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Method string

const (
	MethodGet     Method = http.MethodGet
	MethodPost    Method = http.MethodPost
	MethodPut     Method = http.MethodPut
	MethodPatch   Method = http.MethodPatch
	MethodDelete  Method = http.MethodDelete
	MethodHead    Method = http.MethodHead
	MethodOptions Method = http.MethodOptions
)

// Idempotent methods are the only ones the executor will ever retry.
func (m Method) Idempotent() bool {
	switch m {
	case MethodGet, MethodHead, MethodOptions:
		return true
	default:
		return false
	}
}

func (m Method) hasBody() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch:
		return true
	default:
		return false
	}
}

// Request describes one logical API call. Params values may be scalars or
// slices; slices are sent as indexed fields (field[0], field[1], ...).
type Request struct {
	Endpoint string
	Method   Method
	Params   map[string]any
	Files    map[string]string
}

type preparedRequest struct {
	method      string
	url         string
	body        []byte
	contentType string
	summary     string
}

func (r Request) normalizedMethod() (Method, error) {
	method := Method(strings.ToUpper(strings.TrimSpace(string(r.Method))))
	if method == "" {
		method = MethodGet
	}
	switch method {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions:
		return method, nil
	default:
		return "", invalidParameter("unsupported method %q", r.Method)
	}
}

func prepare(baseURL string, method Method, r Request) (preparedRequest, error) {
	endpoint := strings.TrimSpace(r.Endpoint)
	if endpoint == "" {
		return preparedRequest{}, invalidParameter("endpoint is required")
	}
	target := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")

	fields, err := flattenParams(r.Params)
	if err != nil {
		return preparedRequest{}, err
	}

	prepared := preparedRequest{
		method:  string(method),
		url:     target,
		summary: summarizeRequest(r),
	}

	if !method.hasBody() {
		if len(r.Files) > 0 {
			return preparedRequest{}, invalidParameter("file uploads require POST, PUT or PATCH")
		}
		query := url.Values{}
		for _, f := range fields {
			if f.value == "" {
				continue
			}
			query.Add(f.name, f.value)
		}
		if encoded := query.Encode(); encoded != "" {
			prepared.url += "?" + encoded
		}
		return prepared, nil
	}

	body, contentType, err := encodeMultipart(fields, r.Files)
	if err != nil {
		return preparedRequest{}, err
	}
	prepared.body = body
	prepared.contentType = contentType
	return prepared, nil
}

type formField struct {
	name  string
	value string
}

func flattenParams(params map[string]any) ([]formField, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]formField, 0, len(params))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, invalidParameter("parameter name is required")
		}
		value := params[name]
		if value == nil {
			continue
		}
		rv := reflect.ValueOf(value)
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			for i := 0; i < rv.Len(); i++ {
				fields = append(fields, formField{
					name:  fmt.Sprintf("%s[%d]", name, i),
					value: formatScalar(rv.Index(i).Interface()),
				})
			}
			continue
		}
		fields = append(fields, formField{name: name, value: formatScalar(value)})
	}
	return fields, nil
}

func formatScalar(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.UTC().Format("2006-01-02 15:04:05")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func encodeMultipart(fields []formField, files map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, f := range fields {
		if err := writer.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write multipart field %s: %w", f.name, err)
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := strings.TrimSpace(files[name])
		if path == "" {
			return nil, "", invalidParameter("file path for %s is required", name)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, "", &Error{Kind: KindInvalidParameter, Message: fmt.Sprintf("read file for %s: %v", name, err), Err: err}
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(name), escapeQuotes(filepath.Base(path))))
		header.Set("Content-Type", detectMIMEType(path, content))
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create multipart file part %s: %w", name, err)
		}
		if _, err := part.Write(content); err != nil {
			return nil, "", fmt.Errorf("write multipart file part %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func detectMIMEType(path string, content []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(content)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func summarizeRequest(r Request) string {
	summary := make(map[string]any, len(r.Params)+1)
	for key, value := range r.Params {
		summary[key] = value
	}
	if len(r.Files) > 0 {
		files := make(map[string]string, len(r.Files))
		for field, path := range r.Files {
			files[field] = filepath.Base(path)
		}
		summary["_files"] = files
	}
	if len(summary) == 0 {
		return ""
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return truncate(fmt.Sprint(summary), logSnippetLimit)
	}
	return truncate(string(raw), logSnippetLimit)
}

func truncate(value string, limit int) string {
	clipped := clip(value, limit)
	if clipped == value {
		return value
	}
	return clipped + "..."
}

// clip returns at most limit runes of value.
func clip(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
