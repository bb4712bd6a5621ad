// Package request implements the request channel: GraphQL queries, mutations
// and file uploads over HTTP.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/roomlink/internal/metrics"
	"github.com/omochice/roomlink/pkg/protocol"
)

// DefaultTimeout bounds one round trip.
const DefaultTimeout = 30 * time.Second

// PreflightHeader forces CSRF-protected servers to accept multipart requests.
const PreflightHeader = "Apollo-Require-Preflight"

// maxErrorBody caps how much of a non-GraphQL error body is kept.
const maxErrorBody = 512

// Option configures a Channel.
type Option func(*Channel)

// WithHTTPClient replaces the HTTP client. Its cookie jar is kept as is.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Channel) { ch.client = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(ch *Channel) {
		if d > 0 {
			ch.timeout = d
		}
	}
}

// WithLimiter throttles outbound requests.
func WithLimiter(l *rate.Limiter) Option {
	return func(ch *Channel) { ch.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ch *Channel) { ch.logger = l.With().Str("component", "request").Logger() }
}

// WithMetrics records request durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ch *Channel) { ch.metrics = m }
}

// Channel sends one-shot operations to a GraphQL HTTP endpoint. Cookies set
// by the backend, such as the refresh credential, are kept and sent back.
type Channel struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a Channel for endpoint.
func New(endpoint string, opts ...Option) (*Channel, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	ch := &Channel{
		endpoint: endpoint,
		client:   &http.Client{Jar: jar},
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch, nil
}

// Do sends op with the given authorization value and decodes the GraphQL
// response. Network failures, timeouts and non-GraphQL HTTP failures wrap
// protocol.ErrTransport.
func (c *Channel) Do(ctx context.Context, op protocol.Operation, authorization string) (*protocol.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %w", protocol.ErrTransport, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := encode(op)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(PreflightHeader, "true")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	start := time.Now()
	res, err := c.client.Do(req)
	c.metrics.ObserveRequest(op.ResolvedKind().String(), time.Since(start).Seconds())
	if err != nil {
		c.logger.Debug().Err(err).Str("operation", op.Name).Msg("request failed")
		return nil, fmt.Errorf("%w: %s: %w", protocol.ErrTransport, op.Name, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", protocol.ErrTransport, err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil || (resp.Data == nil && resp.Errors == nil) {
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: %s: unexpected status %d: %s",
				protocol.ErrTransport, op.Name, res.StatusCode, truncate(data))
		}
		if err == nil {
			err = fmt.Errorf("empty response")
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// Cookie returns the value of the named cookie the endpoint has set, or "".
func (c *Channel) Cookie(name string) string {
	if c.client.Jar == nil {
		return ""
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return ""
	}
	for _, ck := range c.client.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func encode(op protocol.Operation) (io.Reader, string, error) {
	if len(op.Files) == 0 {
		data, err := json.Marshal(op.Request())
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode operation: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
	return encodeMultipart(op)
}

// encodeMultipart lays op out as a GraphQL multipart request: an operations
// part with file variables set to null, a map part from part names to
// variable paths, then one part per file.
func encodeMultipart(op protocol.Operation) (io.Reader, string, error) {
	paths := make([]string, 0, len(op.Files))
	for path := range op.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	req := op.Request()
	req.Variables = cloneMap(req.Variables)
	fileMap := make(map[string][]string, len(paths))
	for i, path := range paths {
		if err := setNull(req.Variables, path); err != nil {
			return nil, "", err
		}
		fileMap[strconv.Itoa(i)] = []string{path}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	operations, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode operation: %w", err)
	}
	if err := w.WriteField("operations", string(operations)); err != nil {
		return nil, "", fmt.Errorf("failed to write operations part: %w", err)
	}
	mapping, err := json.Marshal(fileMap)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode file map: %w", err)
	}
	if err := w.WriteField("map", string(mapping)); err != nil {
		return nil, "", fmt.Errorf("failed to write map part: %w", err)
	}

	for i, path := range paths {
		upload := op.Files[path]
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%d"; filename=%q`, i, upload.Filename))
		contentType := upload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if upload.Body != nil {
			// A replayed operation sends the same file again.
			if seeker, ok := upload.Body.(io.Seeker); ok {
				if _, err := seeker.Seek(0, io.SeekStart); err != nil {
					return nil, "", fmt.Errorf("failed to rewind %s: %w", upload.Filename, err)
				}
			}
			if _, err := io.Copy(part, upload.Body); err != nil {
				return nil, "", fmt.Errorf("failed to write file %q: %w", upload.Filename, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// setNull sets the variable at path ("variables.a.b") to null.
func setNull(vars map[string]any, path string) error {
	keys := strings.Split(path, ".")
	if len(keys) < 2 || keys[0] != "variables" {
		return fmt.Errorf("invalid file path %q", path)
	}
	m := vars
	for _, k := range keys[1 : len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
		} else {
			next = cloneMap(next)
		}
		m[k] = next
		m = next
	}
	m[keys[len(keys)-1]] = nil
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}
