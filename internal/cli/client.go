package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/omar/internal/projects"
	"github.com/Dicklesworthstone/omar/internal/serve"
	"github.com/Dicklesworthstone/omar/internal/supervisor"
)

// Client talks to a running omar control surface.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for base. Inside an agent session the agent's
// token is forwarded so agents it spawns are attributed to it.
func NewClient(base string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: os.Getenv(supervisor.EnvAgentToken),
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// RemoteError is an error response from the control surface.
type RemoteError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(serve.TokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach omar at %s (is `omar serve` running?): %w", c.base, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr serve.APIError
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &RemoteError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error, RequestID: apiErr.RequestID}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// List returns the fleet.
func (c *Client) List(ctx context.Context) (supervisor.Fleet, error) {
	var fleet supervisor.Fleet
	err := c.do(ctx, http.MethodGet, "/agents", nil, &fleet)
	return fleet, err
}

// Get returns one agent with a fresh output tail.
func (c *Client) Get(ctx context.Context, id string) (supervisor.Detail, error) {
	var d supervisor.Detail
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &d)
	return d, err
}

// Spawn starts an agent.
func (c *Client) Spawn(ctx context.Context, req serve.SpawnRequest) (serve.SpawnResponse, error) {
	var resp serve.SpawnResponse
	err := c.do(ctx, http.MethodPost, "/agents", req, &resp)
	return resp, err
}

// Kill stops an agent.
func (c *Client) Kill(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id), nil, nil)
}

// Send types text into an agent's session.
func (c *Client) Send(ctx context.Context, id, text string, enter bool) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/send",
		serve.SendRequest{Text: &text, Enter: &enter}, nil)
}

// Reassign moves an agent under parent; empty parent unassigns it.
func (c *Client) Reassign(ctx context.Context, id, parent string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/reassign",
		serve.ReassignRequest{Parent: &parent}, nil)
}

// Projects returns the operator's project list.
func (c *Client) Projects(ctx context.Context) ([]projects.Project, error) {
	var resp serve.ProjectsResponse
	err := c.do(ctx, http.MethodGet, "/projects", nil, &resp)
	return resp.Projects, err
}

// AddProject appends a project and returns it with its id.
func (c *Client) AddProject(ctx context.Context, name string) (projects.Project, error) {
	var p projects.Project
	err := c.do(ctx, http.MethodPost, "/projects", serve.AddProjectRequest{Name: name}, &p)
	return p, err
}

// CompleteProject removes project id. Later ids shift down by one.
func (c *Client) CompleteProject(ctx context.Context, id int) (serve.CompleteProjectResponse, error) {
	var resp serve.CompleteProjectResponse
	err := c.do(ctx, http.MethodDelete, "/projects/"+strconv.Itoa(id), nil, &resp)
	return resp, err
}
