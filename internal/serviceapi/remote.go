package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"courier/internal/model"
)

// RemoteCore speaks to a running courier daemon over its HTTP API.
type RemoteCore struct {
	baseURL string
	client  *http.Client
}

func NewRemoteCore(baseURL string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteCore) Shutdown(ctx context.Context) {}

func (r *RemoteCore) Status(ctx context.Context) (Status, error) {
	var response struct {
		Status Status `json:"status"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/status", nil, nil, &response); err != nil {
		return Status{}, err
	}
	return response.Status, nil
}

func (r *RemoteCore) ListNamespaces(ctx context.Context) ([]model.Namespace, error) {
	var response struct {
		Namespaces []model.Namespace `json:"namespaces"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/namespaces", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Namespaces, nil
}

func (r *RemoteCore) ListTasks(ctx context.Context, owner string) ([]model.ScheduledTask, error) {
	query := map[string]string{}
	if strings.TrimSpace(owner) != "" {
		query["owner"] = strings.TrimSpace(owner)
	}
	var response struct {
		Tasks []model.ScheduledTask `json:"tasks"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/tasks", query, nil, &response); err != nil {
		return nil, err
	}
	return response.Tasks, nil
}

func (r *RemoteCore) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]model.TaskRun, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var response struct {
		Runs []model.TaskRun `json:"runs"`
	}
	path := "/api/tasks/" + url.PathEscape(taskID) + "/runs"
	if err := r.doJSON(ctx, http.MethodGet, path, query, nil, &response); err != nil {
		return nil, err
	}
	return response.Runs, nil
}

func (r *RemoteCore) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(r.baseURL + path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
