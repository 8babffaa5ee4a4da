package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"taskboard/api/internal/store"
)

// APIError carries a failure envelope from the server.
type APIError struct {
	Status  int
	Message string
	Errors  []string
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("api: %d %s (%s)", e.Status, e.Message, strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// API is an HTTP client for the task service. Sessions ride on cookies
// held in the jar, matching the browser client.
type API struct {
	baseURL string
	http    *http.Client
}

func NewAPI(baseURL string) (*API, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: 30 * time.Second},
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Errors  []string        `json:"errors"`
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 || !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Message, Errors: env.Errors}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Auth.

func (a *API) Register(ctx context.Context, email, password, name string) (store.UserPublic, error) {
	body := map[string]string{"email": email, "password": password, "name": name}
	var data struct {
		User store.UserPublic `json:"user"`
	}
	err := a.do(ctx, http.MethodPost, "/api/auth/register", body, &data)
	return data.User, err
}

func (a *API) Login(ctx context.Context, email, password string) (store.UserPublic, error) {
	body := map[string]string{"email": email, "password": password}
	var data struct {
		User store.UserPublic `json:"user"`
	}
	err := a.do(ctx, http.MethodPost, "/api/auth/login", body, &data)
	return data.User, err
}

func (a *API) Logout(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func (a *API) Me(ctx context.Context) (store.UserPublic, error) {
	var data struct {
		User store.UserPublic `json:"user"`
	}
	err := a.do(ctx, http.MethodGet, "/api/auth/me", nil, &data)
	return data.User, err
}

func (a *API) Users(ctx context.Context) ([]store.UserPublic, error) {
	var data struct {
		Users []store.UserPublic `json:"users"`
	}
	err := a.do(ctx, http.MethodGet, "/api/auth/users", nil, &data)
	return data.Users, err
}

// Tasks.

var viewPaths = map[View]string{
	ViewAll:         "/api/tasks",
	ViewMine:        "/api/tasks/my-tasks",
	ViewCreatedByMe: "/api/tasks/created-by-me",
	ViewOverdue:     "/api/tasks/overdue",
}

func (a *API) FetchView(ctx context.Context, view View) ([]store.Task, error) {
	path, ok := viewPaths[view]
	if !ok {
		return nil, fmt.Errorf("api: unknown view %q", view)
	}
	var data struct {
		Tasks []store.Task `json:"tasks"`
	}
	err := a.do(ctx, http.MethodGet, path, nil, &data)
	return data.Tasks, err
}

// ListTasks queries the full collection with server-side filters.
func (a *API) ListTasks(ctx context.Context, query url.Values) ([]store.Task, error) {
	path := "/api/tasks"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var data struct {
		Tasks []store.Task `json:"tasks"`
	}
	err := a.do(ctx, http.MethodGet, path, nil, &data)
	return data.Tasks, err
}

func (a *API) FetchTask(ctx context.Context, id string) (store.Task, error) {
	var data struct {
		Task store.Task `json:"task"`
	}
	err := a.do(ctx, http.MethodGet, "/api/tasks/"+id, nil, &data)
	return data.Task, err
}

func (a *API) CreateTask(ctx context.Context, body map[string]any) (store.Task, error) {
	var data struct {
		Task store.Task `json:"task"`
	}
	err := a.do(ctx, http.MethodPost, "/api/tasks", body, &data)
	return data.Task, err
}

func (a *API) UpdateTask(ctx context.Context, id string, body map[string]any) (store.Task, error) {
	var data struct {
		Task store.Task `json:"task"`
	}
	err := a.do(ctx, http.MethodPatch, "/api/tasks/"+id, body, &data)
	return data.Task, err
}

func (a *API) UpdateStatus(ctx context.Context, id string, status store.Status) (store.Task, error) {
	var data struct {
		Task store.Task `json:"task"`
	}
	err := a.do(ctx, http.MethodPatch, "/api/tasks/"+id+"/status", map[string]any{"status": status}, &data)
	return data.Task, err
}

func (a *API) AssignTask(ctx context.Context, id string, assigneeID *string) (store.Task, error) {
	var data struct {
		Task store.Task `json:"task"`
	}
	err := a.do(ctx, http.MethodPatch, "/api/tasks/"+id+"/assign", map[string]any{"assignedToId": assigneeID}, &data)
	return data.Task, err
}

func (a *API) DeleteTask(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/tasks/"+id, nil, nil)
}

// CookieHeader renders the jar's cookies for the API host, for reuse on
// the websocket handshake.
func (a *API) CookieHeader() (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", err
	}
	cookies := a.http.Jar.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}
