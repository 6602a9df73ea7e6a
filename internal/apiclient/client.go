// Package apiclient is the request helper for the backend's job-control API.
// Every call carries the session token; responses are decoded leniently.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/clock"
	"github.com/JakeFAU/sketch-tutor/internal/clock/system"
	"github.com/JakeFAU/sketch-tutor/internal/health"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
	"github.com/JakeFAU/sketch-tutor/internal/telemetry"
)

// Backend routes.
const (
	PathCapture = "/capture-and-recognize"
	PathConfirm = "/confirm-target"
	PathJobs    = "/jobs/"
)

// DefaultTimeout bounds a single request when Options.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept in RequestError.
const maxErrorBody = 4 << 10

// Options configures a Client.
type Options struct {
	HTTPClient     *http.Client
	Timeout        time.Duration
	Clock          clock.Clock
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Client talks to one backend with one session token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	stamper *clock.Stamper
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	prober  *health.Prober
}

// New builds a Client for baseURL. An empty token sends no token header.
func New(baseURL, token string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = system.New()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		timeout: timeout,
		stamper: clock.NewStamper(clk),
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger),
		tracer:  telemetry.Tracer(opts.TracerProvider),
		prober:  health.NewProber(httpClient, opts.Metrics, opts.Logger),
	}
}

// BaseURL returns the backend address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// JobDetail is the decoded GET /jobs/{id} response.
type JobDetail struct {
	JobID       string
	Status      string
	ROIImage    string
	Suggestions []string
	Video       string
	Steps       json.RawMessage
	// Raw holds the full response object.
	Raw map[string]any
}

type wireArtifacts struct {
	ROIImage string          `json:"roiImage"`
	Video    string          `json:"video"`
	Steps    json.RawMessage `json:"steps"`
}

type wireJob struct {
	JobID       json.RawMessage  `json:"jobId"`
	Status      string           `json:"status"`
	ROIImage    string           `json:"roiImage"`
	Video       string           `json:"video"`
	Steps       json.RawMessage  `json:"steps"`
	Suggestions []wireSuggestion `json:"suggestions"`
	Artifacts   *wireArtifacts   `json:"artifacts"`
}

// wireSuggestion accepts a bare string or an object with a label or text.
type wireSuggestion string

func (s *wireSuggestion) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = wireSuggestion(text)
		return nil
	}
	var obj struct {
		Label string `json:"label"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode suggestion: %w", err)
	}
	if obj.Label != "" {
		*s = wireSuggestion(obj.Label)
	} else {
		*s = wireSuggestion(obj.Text)
	}
	return nil
}

// CaptureAndRecognize starts a job for projectID and returns the job id the
// backend assigned. An empty id is returned as-is for the caller to reject.
func (c *Client) CaptureAndRecognize(ctx context.Context, projectID string) (string, error) {
	body, err := c.do(ctx, "capture_and_recognize", http.MethodPost, PathCapture, map[string]string{"projectId": projectID})
	if err != nil {
		return "", err
	}
	var resp struct {
		JobID json.RawMessage `json:"jobId"`
	}
	_ = json.Unmarshal(body, &resp)
	return scalarString(resp.JobID), nil
}

// ConfirmTarget submits the user's label for jobID and returns the
// acknowledgement object.
func (c *Client) ConfirmTarget(ctx context.Context, jobID, label string) (map[string]any, error) {
	body, err := c.do(ctx, "confirm_target", http.MethodPost, PathConfirm, map[string]string{
		"jobId":       jobID,
		"targetLabel": label,
	})
	if err != nil {
		return nil, err
	}
	return object(body), nil
}

// GetJob fetches the full detail of jobID.
func (c *Client) GetJob(ctx context.Context, jobID string) (JobDetail, error) {
	body, err := c.do(ctx, "get_job", http.MethodGet, PathJobs+url.PathEscape(jobID), nil)
	if err != nil {
		return JobDetail{}, err
	}
	detail := JobDetail{Raw: object(body)}
	var w wireJob
	if err := json.Unmarshal(body, &w); err != nil {
		c.logger.Debug("job detail not decodable", zap.String("job_id", jobID), zap.Error(err))
		return detail, nil
	}
	detail.JobID = scalarString(w.JobID)
	detail.Status = w.Status
	detail.ROIImage = w.ROIImage
	detail.Video = w.Video
	detail.Steps = w.Steps
	if a := w.Artifacts; a != nil {
		if a.ROIImage != "" {
			detail.ROIImage = a.ROIImage
		}
		if a.Video != "" {
			detail.Video = a.Video
		}
		if len(detail.Steps) == 0 {
			detail.Steps = a.Steps
		}
	}
	for _, s := range w.Suggestions {
		detail.Suggestions = append(detail.Suggestions, string(s))
	}
	return detail, nil
}

// ArtifactURL resolves an artifact path against the backend and appends a
// cache-busting t parameter. Successive calls never repeat the value.
func (c *Client) ArtifactURL(p string) string {
	target := p
	if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		target = c.baseURL + p
	}
	stamp := strconv.FormatInt(c.stamper.Next(), 10)
	u, err := url.Parse(target)
	if err != nil {
		return target + "?t=" + stamp
	}
	q := u.Query()
	q.Set("t", stamp)
	u.RawQuery = q.Encode()
	return u.String()
}

// Health issues a single readiness check.
func (c *Client) Health(ctx context.Context) bool {
	ok := c.prober.Check(ctx, c.baseURL+health.Path, c.token)
	c.metrics.ObserveProbe(ok)
	return ok
}

// do sends one JSON request and returns the response body. Non-2xx responses
// become *RequestError and transport failures *NetworkError.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "apiclient."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
	defer span.End()

	start := time.Now()
	body, err := c.send(ctx, method, path, payload)
	outcome := "ok"
	if err != nil {
		outcome = "network_error"
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			outcome = "http_error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Warn("backend request failed",
			zap.String("operation", op),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	c.metrics.ObserveRequest(op, outcome, time.Since(start))
	return body, err
}

func (c *Client) send(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(health.TokenHeader, c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := body
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &RequestError{Method: method, Path: path, Status: resp.StatusCode, Body: string(text)}
	}
	return body, nil
}

// object decodes body as a JSON object, falling back to an empty one.
func object(body []byte) map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal(body, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
