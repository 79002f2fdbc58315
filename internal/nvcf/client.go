package nvcf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClientConfig holds the tunables of a Client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. https://api.nvcf.nvidia.com.
	BaseURL string
	Dialect Dialect
	// MaxPollAttempts caps the number of poll requests after submission.
	MaxPollAttempts int
	// MinPollInterval is the minimum time between the issue of consecutive
	// requests for one job.
	MinPollInterval time.Duration
	// PollSeconds is sent as NVCF-POLL-SECONDS, asking the service to hold
	// each request open up to that long before answering 202.
	PollSeconds int
	// CleanupTimeout bounds asset deletion after the job ends.
	CleanupTimeout time.Duration
}

// Result is the outcome of a fulfilled job.
type Result struct {
	RequestID string
	Primary   []byte
	Auxiliary []string
	// Polls counts poll requests issued after submission.
	Polls int
}

// Client submits jobs to the remote service and polls them to completion.
// One Client is shared by all concurrent jobs.
type Client struct {
	cfg        ClientConfig
	endpoint   string
	http       *http.Client
	tokens     *TokenManager
	stager     *AssetStager
	decoder    *Decoder
	classifier *Classifier
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClock overrides the time source used for poll pacing.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithSleep overrides how the client waits between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient wires a Client from its collaborators.
func NewClient(
	cfg ClientConfig,
	httpClient *http.Client,
	tokens *TokenManager,
	stager *AssetStager,
	decoder *Decoder,
	classifier *Classifier,
	logger *slog.Logger,
	opts ...ClientOption,
) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if httpClient == nil || tokens == nil || stager == nil || decoder == nil || classifier == nil {
		return nil, fmt.Errorf("nvcf client dependencies cannot be nil")
	}
	if cfg.MaxPollAttempts <= 0 {
		return nil, fmt.Errorf("max poll attempts must be positive, got %d", cfg.MaxPollAttempts)
	}
	if len(cfg.Dialect.Statuses) == 0 {
		return nil, fmt.Errorf("dialect must define at least one status")
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		endpoint:   Endpoint(cfg.BaseURL),
		http:       httpClient,
		tokens:     tokens,
		stager:     stager,
		decoder:    decoder,
		classifier: classifier,
		logger:     logger.With("component", "nvcf_client", "dialect", cfg.Dialect.Name),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the versioned API root for baseURL.
func Endpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/v2/nvcf"
}

// NewHTTPClient returns an http.Client suited to the remote service: it never
// follows redirects, since a 302 is part of the job protocol.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 0
	transport.MaxIdleConnsPerHost = 64
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// job is the mutable state of one Generate call.
type job struct {
	spec   *JobSpec
	taskID string
	token  string
	reqID  string
	polls  int
	logger *slog.Logger
}

// Generate runs spec to completion: it stages the spec's assets, submits the
// job, polls until a terminal status and decodes the result. Every asset
// created along the way is deleted before Generate returns, whatever the
// outcome, including cancellation of ctx.
func (c *Client) Generate(ctx context.Context, spec *JobSpec, taskID string) (*Result, error) {
	j := &job{
		spec:   spec,
		taskID: taskID,
		logger: c.logger.With("task_id", taskID, "function_id", spec.FunctionID()),
	}

	token, err := c.tokens.Token(ctx, "")
	if err != nil {
		return nil, j.annotate(err)
	}
	j.token = token

	p := buildPayload(spec)

	var staged []StagedAsset
	defer func() { c.cleanup(ctx, j, staged) }()

	staged, err = c.stager.StageAll(ctx, j.token, spec.Assets())
	if err != nil {
		return nil, j.annotate(err)
	}
	p.attachAssets(staged)

	res, err := c.run(ctx, j, p)
	if err != nil {
		j.logger.Debug("job ended without result", "req_id", j.reqID, "polls", j.polls)
		return nil, j.annotate(err)
	}
	return res, nil
}

// cleanup deletes staged assets. It runs detached from ctx so that
// cancellation of the job does not cancel the deletions, and it never fails
// the job.
func (c *Client) cleanup(ctx context.Context, j *job, staged []StagedAsset) {
	if len(staged) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
	defer cancel()

	token := j.token
	if fresh, err := c.tokens.Token(cctx, ""); err == nil {
		token = fresh
	} else {
		j.logger.Warn("could not refresh token for asset cleanup", "error", err)
	}

	ids := make([]string, len(staged))
	for i, a := range staged {
		ids[i] = a.ID
	}
	if err := c.stager.Cleanup(cctx, token, ids); err != nil {
		j.logger.Warn("asset cleanup incomplete", "assets", len(ids), "error", err)
		return
	}
	j.logger.Debug("assets cleaned up", "assets", len(ids))
}

func (c *Client) run(ctx context.Context, j *job, p *payload) (*Result, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, &Error{Kind: KindRemoteInvocationFailure, Err: fmt.Errorf("encoding payload: %w", err)}
	}

	x, err := c.submit(ctx, j, body)
	if err != nil {
		return nil, err
	}
	j.logger.Info("job submitted", "status", x.status, "req_id", x.header.Get(HeaderRequestID))

	submitted := true
	for {
		if id := x.header.Get(HeaderRequestID); id != "" {
			j.reqID = id
		}

		var handle jobHandle
		switch c.cfg.Dialect.Outcome(x.status) {
		case OutcomeFulfilled:
			return c.fulfil(ctx, j, x)
		case OutcomePending:
			h, ok := newJobHandle(x.header.Get(HeaderRequestID), "")
			if !ok {
				return nil, &Error{Kind: KindInvalidProtocolState, Status: x.status, Err: errors.New("pending response without a request id")}
			}
			handle = h
		case OutcomeRedirect:
			h, ok := newJobHandle("", x.redirectTarget())
			if !ok {
				return nil, &Error{Kind: KindInvalidProtocolState, Status: x.status, Err: errors.New("redirect response without a location")}
			}
			handle = h
		default:
			return nil, c.failure(j, x, submitted)
		}
		submitted = false

		if j.polls >= c.cfg.MaxPollAttempts {
			return nil, &Error{Kind: KindPollTimeout, Err: fmt.Errorf("gave up after %d polls", j.polls)}
		}

		interval := c.cfg.MinPollInterval
		if d := serverInterval(x.header, c.cfg.Dialect.IntervalHeader); d > interval {
			interval = d
		}
		if err := c.waitUntil(ctx, x.issued.Add(interval)); err != nil {
			return nil, &Error{Kind: KindPollFailure, Err: err}
		}

		x, err = c.poll(ctx, j, handle)
		if err != nil {
			return nil, err
		}
		j.polls++
		j.logger.Debug("polled job", "status", x.status, "attempt", j.polls)
	}
}

// waitUntil sleeps until deadline according to the client's clock.
func (c *Client) waitUntil(ctx context.Context, deadline time.Time) error {
	if d := deadline.Sub(c.now()); d > 0 {
		return c.sleep(ctx, d)
	}
	return ctx.Err()
}

func (c *Client) submit(ctx context.Context, j *job, body []byte) (*exchange, error) {
	submitURL := c.endpoint + "/pexec/functions/" + j.spec.FunctionID()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindRemoteInvocationFailure, URL: submitURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.token)
	req.Header.Set(HeaderPollSeconds, strconv.Itoa(c.cfg.PollSeconds))

	x, err := c.do(req)
	if err != nil {
		return nil, &Error{Kind: KindRemoteInvocationFailure, URL: submitURL, Err: err}
	}
	return x, nil
}

// poll issues one status request. A 401 forces one token refresh and an
// immediate retry, which is not counted as a separate attempt.
func (c *Client) poll(ctx context.Context, j *job, h jobHandle) (*exchange, error) {
	x, err := c.pollOnce(ctx, j, h)
	if err != nil || x.status != http.StatusUnauthorized {
		return x, err
	}

	j.logger.Info("poll rejected token, re-authenticating", "req_id", j.reqID)
	c.tokens.Invalidate(j.token)
	token, err := c.tokens.Token(ctx, "")
	if err != nil {
		return nil, err
	}
	j.token = token
	return c.pollOnce(ctx, j, h)
}

func (c *Client) pollOnce(ctx context.Context, j *job, h jobHandle) (*exchange, error) {
	pollURL := h.url(c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindPollFailure, URL: pollURL, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+j.token)
	req.Header.Set(HeaderPollSeconds, strconv.Itoa(c.cfg.PollSeconds))

	x, err := c.do(req)
	if err != nil {
		return nil, &Error{Kind: KindPollFailure, URL: pollURL, Err: err}
	}
	return x, nil
}

// do sends req and drains the response body completely, whether or not it
// is inspected later.
func (c *Client) do(req *http.Request) (*exchange, error) {
	issued := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &exchange{status: resp.StatusCode, header: resp.Header, body: body, req: req, issued: issued}, nil
}

func (c *Client) fulfil(ctx context.Context, j *job, x *exchange) (*Result, error) {
	decoded, err := c.decoder.Decode(ctx, x.body, j.reqID)
	if err != nil {
		return nil, err
	}
	if decoded.RequestID != "" {
		j.reqID = decoded.RequestID
	}
	j.logger.Info("job fulfilled", "req_id", j.reqID, "polls", j.polls)
	return &Result{
		RequestID: j.reqID,
		Primary:   decoded.Primary,
		Auxiliary: decoded.Auxiliary,
		Polls:     j.polls,
	}, nil
}

// failure classifies a terminal failure response. Specific causes found in
// the body take precedence over the generic submit or poll failure.
func (c *Client) failure(j *job, x *exchange, submitted bool) error {
	reason := string(x.body)
	kind, ok := c.classifier.Classify(reason, j.spec.FunctionID())
	if !ok {
		kind = KindPollFailure
		if submitted {
			kind = KindRemoteInvocationFailure
		}
	}
	return &Error{Kind: kind, URL: x.req.URL.String(), Status: x.status, Body: reason}
}

// annotate fills job context into err when err is an *Error.
func (j *job) annotate(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindRemoteInvocationFailure, TaskID: j.taskID, FunctionID: j.spec.FunctionID(), RequestID: j.reqID, Err: err}
	}
	if e.TaskID == "" {
		e.TaskID = j.taskID
	}
	if e.FunctionID == "" {
		e.FunctionID = j.spec.FunctionID()
	}
	if e.RequestID == "" {
		e.RequestID = j.reqID
	}
	return err
}
