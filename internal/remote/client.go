// Package remote talks JSON to the inspection backend.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader lets the backend recognise a replayed CREATE.
	IdempotencyHeader = "Idempotency-Key"
	healthEndpoint    = "/health"
	defaultTimeout    = 30 * time.Second
	maxResponseBytes  = 8 << 20
)

var errMissingBaseURL = errors.New("remote: base url is required")

// Config wires a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues requests against the backend. Every call carries its own timeout.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// Upload describes a multipart file upload.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
	Fields      []byte
}

// Request is a fully formed call. Body is raw JSON; Upload switches the body to multipart.
type Request struct {
	Method         string
	Endpoint       string
	Body           []byte
	Upload         *Upload
	IdempotencyKey string
}

// Response is a successful reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HTTPClient exposes the underlying client so tests can intercept it.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// URL resolves endpoint against the base url.
func (c *Client) URL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint
}

// Do sends request. Non-2xx replies become *ValidationError or *TransientError.
func (c *Client) Do(ctx context.Context, request Request) (Response, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := encodeBody(request)
	if err != nil {
		return Response{}, &ValidationError{Body: err.Error()}
	}

	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpRequest, err := http.NewRequestWithContext(requestCtx, method, c.URL(request.Endpoint), body)
	if err != nil {
		return Response{}, &ValidationError{Body: err.Error()}
	}
	httpRequest.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpRequest.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.token)
	}
	if request.IdempotencyKey != "" {
		httpRequest.Header.Set(IdempotencyHeader, request.IdempotencyKey)
	}

	started := time.Now()
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return Response{}, &TransientError{Err: err}
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &TransientError{StatusCode: httpResponse.StatusCode, Err: err}
	}

	c.logger.Debug("remote request",
		zap.String("method", method),
		zap.String("endpoint", request.Endpoint),
		zap.Int("status", httpResponse.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if err := classifyStatus(httpResponse.StatusCode, payload); err != nil {
		return Response{StatusCode: httpResponse.StatusCode, Body: payload}, err
	}
	return Response{StatusCode: httpResponse.StatusCode, Body: payload}, nil
}

// GetRow fetches a single row. A 404 or an empty result is reported as found=false.
func (c *Client) GetRow(ctx context.Context, endpoint string) (map[string]any, bool, error) {
	rows, err := c.GetRows(ctx, endpoint)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// GetRows fetches a list of rows. A 404 yields no rows.
func (c *Client) GetRows(ctx context.Context, endpoint string) ([]map[string]any, error) {
	response, err := c.Do(ctx, Request{Method: http.MethodGet, Endpoint: endpoint})
	var validation *ValidationError
	if errors.As(err, &validation) && validation.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeRows(response.Body)
}

// Health calls the backend health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Endpoint: healthEndpoint})
	return err
}

// DecodeRows accepts a JSON array of rows, a single row, or an object wrapping rows in "Result".
func DecodeRows(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var rows []map[string]any
		if err := decodeNumbers(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("remote: decode rows: %w", err)
		}
		return rows, nil
	}
	var object map[string]any
	if err := decodeNumbers(trimmed, &object); err != nil {
		return nil, fmt.Errorf("remote: decode row: %w", err)
	}
	wrapped, ok := object["Result"].([]any)
	if !ok {
		return []map[string]any{object}, nil
	}
	rows := make([]map[string]any, 0, len(wrapped))
	for _, item := range wrapped {
		if row, ok := item.(map[string]any); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ExtractID returns the server id found under idField (falling back to PK_ID) in a CREATE response.
func ExtractID(body []byte, idField string) (string, error) {
	rows, err := DecodeRows(body)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", errors.New("remote: create response carried no row")
	}
	for _, field := range []string{idField, "PK_ID"} {
		if field == "" {
			continue
		}
		if value, ok := rows[0][field]; ok && value != nil {
			id := strings.TrimSpace(fmt.Sprint(value))
			if id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("remote: create response has no %s", idField)
}

func decodeNumbers(raw []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(out)
}

func encodeBody(request Request) (io.Reader, string, error) {
	if request.Upload == nil {
		if len(request.Body) == 0 {
			return nil, "", nil
		}
		return bytes.NewReader(request.Body), "application/json", nil
	}

	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	if len(request.Upload.Fields) > 0 {
		if err := writer.WriteField("fields", string(request.Upload.Fields)); err != nil {
			return nil, "", err
		}
	}
	header := make(textproto.MIMEHeader)
	fileName := request.Upload.FileName
	if fileName == "" {
		fileName = "upload"
	}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	contentType := request.Upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(request.Upload.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buffer, writer.FormDataContentType(), nil
}
