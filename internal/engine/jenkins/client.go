package jenkins

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"buildrelay/internal/config"
	"buildrelay/internal/engine"
	"buildrelay/internal/logger"
)

// DefaultCrumbField is used when the crumb issuer does not name its request field
const DefaultCrumbField = "Jenkins-Crumb"

var queueLocation = regexp.MustCompile(`/queue/item/(\d+)/?`)

// Client represents a Jenkins API client. It holds no per-build state and is
// safe for concurrent use.
type Client struct {
	url      string
	username string
	token    string
	client   *http.Client
	// metaClient revalidates job metadata with ETags instead of refetching it
	metaClient *http.Client
}

// NewClient creates a new Jenkins client instance
func NewClient(cfg config.JenkinsConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second

	// Normalize URL: remove trailing slash to avoid double slashes in paths
	url := strings.TrimSuffix(cfg.URL, "/")

	return &Client{
		url:      url,
		username: cfg.Username,
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
		metaClient: &http.Client{
			Timeout:   timeout,
			Transport: httpcache.NewMemoryCacheTransport(),
		},
	}
}

// StatusError is a non-2xx response from Jenkins
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// Is lets a 404 match engine.ErrNotFound
func (e *StatusError) Is(target error) bool {
	return target == engine.ErrNotFound && e.StatusCode == http.StatusNotFound
}

func (c *Client) authorize(req *http.Request) {
	// Jenkins API uses Basic Authentication
	// Format: username:token
	auth := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", c.username, c.token)))
	req.Header.Set("Authorization", "Basic "+auth)
}

// send executes req and returns the response with its body read
func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, []byte, error) {
	c.authorize(req)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			logger.Error("Jenkins API request failed", "status", resp.Status, "body", truncate(string(respBody), 512), "url", req.URL.String())
		} else {
			logger.Warn("Jenkins API request rejected", "status", resp.Status, "url", req.URL.String())
		}
		return nil, nil, formatJenkinsError(resp.StatusCode, string(respBody))
	}

	return resp, respBody, nil
}

// doRequest sends an HTTP request to the Jenkins API
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	return c.doRequestWith(ctx, c.client, method, path, body)
}

func (c *Client) doRequestWith(ctx context.Context, hc *http.Client, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	_, respBody, err := c.send(hc, req)
	return respBody, err
}

// CheckAuth reports whether the configured credentials are accepted
func (c *Client) CheckAuth(ctx context.Context) bool {
	if _, err := c.doRequest(ctx, http.MethodGet, "/me/api/json", nil); err != nil {
		logger.Warn("Jenkins authentication check failed", "error", err)
		return false
	}
	return true
}

// CheckJobBuildable reports whether the job exists and is not disabled
func (c *Client) CheckJobBuildable(ctx context.Context, jobName string) bool {
	respBody, err := c.doRequestWith(ctx, c.metaClient, http.MethodGet, jobPath(jobName)+"/api/json?tree=name,buildable", nil)
	if err != nil {
		logger.Warn("Jenkins job check failed", "job", jobName, "error", err)
		return false
	}

	var info struct {
		Name      string `json:"name"`
		Buildable *bool  `json:"buildable"`
	}
	if err := json.Unmarshal(respBody, &info); err != nil {
		logger.Warn("Failed to parse job info", "job", jobName, "error", err)
		return false
	}

	if info.Buildable != nil && !*info.Buildable {
		logger.Warn("Jenkins job is disabled", "job", jobName)
		return false
	}
	return true
}

// FetchCrumb retrieves the CSRF crumb for POST requests. It returns nil when
// the server does not issue one, in which case the submission proceeds without it.
func (c *Client) FetchCrumb(ctx context.Context) *engine.Crumb {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/crumbIssuer/api/json", nil)
	if err != nil {
		logger.Warn("Failed to get CSRF crumb, proceeding without it", "error", err)
		return nil
	}

	var crumbData struct {
		Crumb             string `json:"crumb"`
		CrumbRequestField string `json:"crumbRequestField"`
	}
	if err := json.Unmarshal(respBody, &crumbData); err != nil {
		logger.Warn("Failed to parse CSRF crumb, proceeding without it", "error", err)
		return nil
	}

	if crumbData.Crumb == "" {
		return nil
	}

	field := crumbData.CrumbRequestField
	if field == "" {
		field = DefaultCrumbField
	}
	return &engine.Crumb{Field: field, Value: crumbData.Crumb}
}

// Submit queues a build. buildWithParameters is tried first, then build; the
// first 2xx wins. If both are rejected the last error is returned.
func (c *Client) Submit(ctx context.Context, jobName string, params map[string]string, crumb *engine.Crumb) (*engine.SubmitResult, error) {
	endpoints := []struct {
		path string
		form url.Values
	}{
		{jobPath(jobName) + "/buildWithParameters", parameterForm(params)},
		{jobPath(jobName) + "/build", buildForm(params)},
	}

	var lastErr error
	for _, ep := range endpoints {
		result, err := c.postForm(ctx, ep.path, ep.form, crumb)
		if err == nil {
			return result, nil
		}
		logger.Warn("Jenkins build submission rejected", "path", ep.path, "error", err)
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", engine.ErrSubmissionFailed, lastErr)
}

// postForm sends a form-encoded POST, the encoding Jenkins' build endpoints expect
func (c *Client) postForm(ctx context.Context, path string, form url.Values, crumb *engine.Crumb) (*engine.SubmitResult, error) {
	values := url.Values{}
	for k, v := range form {
		values[k] = v
	}
	// Some Jenkins versions want the crumb in the form data, others in the header
	if crumb != nil {
		values.Set(crumb.Field, crumb.Value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if crumb != nil {
		req.Header.Set(crumb.Field, crumb.Value)
	}

	resp, _, err := c.send(c.client, req)
	if err != nil {
		return nil, err
	}

	location := resp.Header.Get("Location")
	return &engine.SubmitResult{
		Accepted: true,
		QueueID:  parseQueueID(location),
		Location: location,
	}, nil
}

// QueueItem fetches a queue item. A 404 matches engine.ErrNotFound.
func (c *Client) QueueItem(ctx context.Context, queueID int64) (*engine.QueueItem, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/queue/item/%d/api/json", queueID), nil)
	if err != nil {
		return nil, fmt.Errorf("queue item %d: %w", queueID, err)
	}

	var item engine.QueueItem
	if err := json.Unmarshal(respBody, &item); err != nil {
		return nil, fmt.Errorf("decode queue item %d: %w", queueID, err)
	}
	return &item, nil
}

// BuildStatus fetches the status of a build
func (c *Client) BuildStatus(ctx context.Context, handle engine.BuildHandle) (*engine.BuildStatus, error) {
	path := fmt.Sprintf("%s/%d/api/json?tree=number,building,result,duration,timestamp,url", jobPath(handle.JobName), handle.BuildNumber)
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", handle.Key(), err)
	}

	var status engine.BuildStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("decode build %s: %w", handle.Key(), err)
	}
	return &status, nil
}

// ProgressiveLog returns the console output of a build from byte offset start
func (c *Client) ProgressiveLog(ctx context.Context, handle engine.BuildHandle, start int64) (string, error) {
	path := fmt.Sprintf("%s/%d/logText/progressiveText?start=%d", jobPath(handle.JobName), handle.BuildNumber, start)
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("console %s: %w", handle.Key(), err)
	}
	return string(respBody), nil
}

// ConsoleURL returns the browser link to a build's console
func (c *Client) ConsoleURL(handle engine.BuildHandle) string {
	return fmt.Sprintf("%s%s/%d/console", c.url, jobPath(handle.JobName), handle.BuildNumber)
}

func jobPath(jobName string) string {
	return "/job/" + url.PathEscape(jobName)
}

func parameterForm(params map[string]string) url.Values {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	return form
}

// buildForm encodes params the way the Jenkins Stapler /build endpoint expects:
// a "json" field holding {"parameter":[{"name":..,"value":..}]}
func buildForm(params map[string]string) url.Values {
	type parameter struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	payload := struct {
		Parameter []parameter `json:"parameter"`
	}{Parameter: make([]parameter, 0, len(names))}
	for _, name := range names {
		payload.Parameter = append(payload.Parameter, parameter{Name: name, Value: params[name]})
	}

	encoded, _ := json.Marshal(payload)
	form := url.Values{}
	form.Set("json", string(encoded))
	return form
}

// parseQueueID extracts the queue item id from a Location header such as
// http://jenkins/queue/item/42/. It returns 0 when there is none.
func parseQueueID(location string) int64 {
	m := queueLocation.FindStringSubmatch(location)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// formatJenkinsError formats Jenkins API errors into user-friendly messages
// without exposing internal implementation details
func formatJenkinsError(statusCode int, responseBody string) error {
	var msg string
	switch statusCode {
	case http.StatusUnauthorized:
		msg = "authentication failed: invalid credentials"
	case http.StatusForbidden:
		msg = "access denied: insufficient permissions"
	case http.StatusNotFound:
		msg = "resource not found"
	case http.StatusBadRequest:
		msg = "invalid request"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		msg = "jenkins server error: please try again later"
	default:
		// For other errors, return a generic message
		msg = "jenkins api request failed"
	}
	return &StatusError{StatusCode: statusCode, Message: msg}
}
