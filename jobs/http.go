package jobs

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/httpclient"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// maxResponseSnippet bounds the response body quoted in a failure
const maxResponseSnippet = 512

// HTTPHandler calls the job's "url". Any 2xx response succeeds. Server
// errors, 429 and transport failures honour "retry_on_failure"; other
// client errors never retry since repeating the request cannot help.
type HTTPHandler struct {
	client *httpclient.SaferClient
	log    *zap.SugaredLogger
}

// NewHTTPHandler creates an http handler sending requests through client
func NewHTTPHandler(client *httpclient.SaferClient, log *zap.SugaredLogger) *HTTPHandler {
	if log == nil {
		log = logger.ComponentLogger("jobs")
	}
	return &HTTPHandler{client: client, log: log.Named("http")}
}

func (h *HTTPHandler) Name() string { return "http" }

func (h *HTTPHandler) Execute(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result {
	data := ec.MergedData()
	retry := retryOnFailure(data)

	rawURL, _ := data.GetString("url")
	u, err := h.client.ValidateURL(rawURL)
	if err != nil {
		return schedule.Failure(errors.Mark(errors.Wrapf(err, "http job %s", ec.JobKey()), errors.ErrInvalidRequest), false)
	}

	body, hasBody := data.GetString("body")
	method, _ := data.GetString("method")
	if method == "" {
		method = http.MethodGet
		if hasBody {
			method = http.MethodPost
		}
	}

	reqCtx, cancel := withTimeout(ctx, data)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(method), u.String(), strings.NewReader(body))
	if err != nil {
		return schedule.Failure(errors.Mark(errors.Wrap(err, "build request"), errors.ErrInvalidRequest), false)
	}
	if hasBody {
		contentType, ok := data.GetString("content_type")
		if !ok {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "tempo")
	req.Header.Set("X-Tempo-Job", ec.JobKey().String())
	req.Header.Set("X-Tempo-Fire-Instance", ec.FireInstanceID)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schedule.Failure(errors.Wrap(ctx.Err(), "request interrupted"), false)
		}
		if errors.Is(err, httpclient.ErrBlocked) {
			return schedule.Failure(err, false)
		}
		return schedule.Failure(errors.Wrapf(err, "network request to %s failed", u.Host), retry)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnippet))

	log := h.log.With(
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldFireInstanceID, ec.FireInstanceID,
		"status", resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Debugw("Request succeeded", "url", u.Redacted())
		return schedule.Success()
	}

	err = errors.WithDetail(errors.Newf("%s %s returned %s", req.Method, u.Redacted(), resp.Status), string(snippet))
	log.Warnw("Request failed", "url", u.Redacted())
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return schedule.Failure(err, retry)
	}
	return schedule.Failure(err, false)
}
