package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
)

// BackgroundConfig is the polling schedule for background tasks: the
// interval starts at PollInitial, doubles per poll up to PollMax, and
// polling gives up once MaxWait has elapsed.
type BackgroundConfig struct {
	PollInitial time.Duration
	PollMax     time.Duration
	MaxWait     time.Duration
}

func (c BackgroundConfig) withDefaults() BackgroundConfig {
	if c.PollInitial <= 0 {
		c.PollInitial = time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 10 * time.Second
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = c.PollInitial
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Minute
	}
	return c
}

func (c BackgroundConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.PollInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.PollMax
	b.MaxElapsedTime = c.MaxWait
	return b
}

// errTaskPending signals a poll that found the task still running.
var errTaskPending = errors.New("background task pending")

// awaitBackground polls the task announced by a 202 Accepted answer until
// it reaches a terminal status or the polling window elapses.
func (c *Client) awaitBackground(ctx context.Context, accepted *http.Response) (*ChatCompletionResponse, error) {
	var task BackgroundTask
	data, _ := io.ReadAll(io.LimitReader(accepted.Body, 1<<20))
	if len(data) > 0 {
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, api.NonRetryable(api.NewBackgroundTaskError("invalid background task body: " + err.Error()))
		}
	}
	if done, result, err := taskOutcome(&task); done {
		return result, err
	}

	pollURL, err := c.resolvePollURL(task.PollURL, accepted.Header.Get("Location"))
	if err != nil {
		return nil, api.NonRetryable(err)
	}

	debug.Log(debug.Provider, "background task accepted",
		"id", task.ID,
		"poll_url", pollURL,
		"max_wait", c.background.MaxWait,
	)

	var result *ChatCompletionResponse
	poll := func() error {
		current, err := c.poll(ctx, pollURL)
		if err != nil {
			return err
		}
		done, res, err := taskOutcome(current)
		if !done {
			debug.Log(debug.Provider, "background task pending", "id", task.ID, "status", current.Status)
			return errTaskPending
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	err = backoff.Retry(poll, backoff.WithContext(c.background.backOff(), ctx))
	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, errTaskPending):
		return nil, api.NonRetryable(api.NewBackgroundTimeoutError(
			fmt.Sprintf("background task %s did not finish within %s", task.ID, c.background.MaxWait)))
	default:
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.Code != api.CodeBackgroundTask {
			return nil, api.NonRetryable(api.NewBackgroundTimeoutError(
				fmt.Sprintf("background task %s: polling gave up: %s", task.ID, apiErr.Message)))
		}
		return nil, api.NonRetryable(err)
	}
}

// poll fetches the task status once. Transport failures and 5xx answers
// are returned as transient errors so polling continues.
func (c *Client) poll(ctx context.Context, pollURL string) (*BackgroundTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer resp.Body.Close()

	c.observe(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := MapHTTPError(resp)
		if api.IsRetryable(apiErr) {
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}

	var task BackgroundTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, backoff.Permanent(api.NewBackgroundTaskError("invalid background task body: " + err.Error()))
	}
	return &task, nil
}

// taskOutcome classifies a task status. done is false while the task is
// still queued or running.
func taskOutcome(task *BackgroundTask) (done bool, result *ChatCompletionResponse, err error) {
	switch task.Status {
	case TaskSucceeded:
		if task.Result == nil {
			return true, nil, api.NewBackgroundTaskError(fmt.Sprintf("background task %s succeeded without a result", task.ID))
		}
		return true, task.Result, nil
	case TaskFailed, TaskCancelled:
		msg := fmt.Sprintf("background task %s %s", task.ID, task.Status)
		if task.Error != nil && task.Error.Message != "" {
			msg += ": " + task.Error.Message
		}
		return true, nil, api.NewBackgroundTaskError(msg)
	default:
		return false, nil, nil
	}
}

// resolvePollURL picks the poll location from the body or the Location
// header, resolving relative references against the base URL.
func (c *Client) resolvePollURL(fromBody, fromHeader string) (string, error) {
	ref := fromBody
	if ref == "" {
		ref = fromHeader
	}
	if ref == "" {
		return "", api.NewBackgroundTaskError("background task answer carries no poll location")
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", api.NewBackgroundTaskError("invalid poll location: " + err.Error())
	}
	return base.ResolveReference(u).String(), nil
}
