package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Client drives a Server over any Transport. One request is in flight at a
// time; responses are matched to it by id.
type Client struct {
	transport Transport
	info      Implementation

	mu     sync.Mutex
	lastID int64
}

// NewClient returns a client that identifies itself as info during
// Initialize. An empty name defaults to "nlweb-mcp".
func NewClient(transport Transport, info Implementation) *Client {
	if info.Name == "" {
		info.Name = "nlweb-mcp"
	}
	return &Client{transport: transport, info: info}
}

// Initialize negotiates the protocol version and then sends
// notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var result InitializeResult
	err := c.request(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}, &result)
	if err != nil {
		return InitializeResult{}, err
	}

	notification := Message{JSONRPC: jsonRPCVersion, Method: "notifications/initialized"}
	if err := c.transport.Send(ctx, notification); err != nil {
		return InitializeResult{}, &RequestError{Method: notification.Method, Err: err}
	}
	return result, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, "ping", nil, nil)
}

func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result ToolsListResult
	if err := c.request(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool runs a tool. A tool failure is not an error: it comes back with
// IsError set and the message in the text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (ToolsCallResult, error) {
	var result ToolsCallResult
	err := c.request(ctx, "tools/call", ToolsCallParams{Name: name, Arguments: args}, &result)
	return result, err
}

func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var result ResourcesListResult
	if err := c.request(ctx, "resources/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	var result ResourcesReadResult
	if err := c.request(ctx, "resources/read", ResourcesReadParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// Close closes the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close(ctx)
}

func (c *Client) request(ctx context.Context, method string, params, out any) error {
	if c.transport == nil {
		return &RequestError{Method: method, Err: errors.New("no transport")}
	}

	message := Message{JSONRPC: jsonRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return &RequestError{Method: method, Err: fmt.Errorf("encode params: %w", err)}
		}
		message.Params = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastID++
	message.ID = numericID(c.lastID)
	want := strconv.FormatInt(c.lastID, 10)

	if err := c.transport.Send(ctx, message); err != nil {
		return &RequestError{Method: method, Err: err}
	}
	for {
		response, err := c.transport.Receive(ctx)
		if err != nil {
			return &RequestError{Method: method, Err: err}
		}
		if string(response.ID) != want {
			continue
		}
		switch {
		case response.Error != nil:
			return &RequestError{Method: method, Err: response.Error}
		case out == nil || len(response.Result) == 0:
			return nil
		}
		if err := json.Unmarshal(response.Result, out); err != nil {
			return &RequestError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
		}
		return nil
	}
}
