package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/nlweb-mcp/dispatch"
)

const (
	// ServerName is reported in the initialize result.
	ServerName = "nlweb-mcp-server"
	// DefaultMaxConcurrent bounds in-flight requests when unset.
	DefaultMaxConcurrent = 8
)

// Dispatcher is the tool and resource backend served over MCP.
type Dispatcher interface {
	Tools() []dispatch.Tool
	Call(ctx context.Context, name string, args map[string]any) dispatch.Result
	Resources(ctx context.Context) ([]dispatch.Resource, error)
	ReadResource(ctx context.Context, uri string) (dispatch.ResourceContents, error)
}

// Transport is the message transport contract shared by server and client.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Dispatcher    Dispatcher
	Version       string
	MaxConcurrent int
	Logger        *slog.Logger
}

// Server answers MCP requests using a Dispatcher.
type Server struct {
	dispatcher Dispatcher
	version    string
	logger     *slog.Logger

	// slots bounds in-flight requests across every transport.
	slots *semaphore.Weighted
}

// NewServer validates cfg and returns a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("mcp: server dispatcher is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		version:    cfg.Version,
		logger:     cfg.Logger,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

// Serve reads messages from transport until it reports io.EOF or ctx is
// canceled. Requests share the server's MaxConcurrent slots with every other
// transport. Requests already accepted are allowed to finish and respond
// before Serve returns.
func (s *Server) Serve(ctx context.Context, transport Transport) error {
	handlerCtx := context.WithoutCancel(ctx)

	var group errgroup.Group
	var readErr error
	for {
		message, err := transport.Receive(ctx)
		if err != nil {
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				s.logger.Warn("mcp: discarding malformed message", "error", parseErr.Err)
				if sendErr := transport.Send(handlerCtx, errorResponse(json.RawMessage("null"), rpcErrorf(CodeParseError, "Parse error"))); sendErr != nil {
					readErr = sendErr
					break
				}
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				readErr = err
			}
			break
		}

		if err := s.slots.Acquire(ctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer s.slots.Release(1)
			response, ok := s.Handle(handlerCtx, message)
			if !ok {
				return nil
			}
			if err := transport.Send(handlerCtx, response); err != nil {
				return fmt.Errorf("mcp: send response: %w", err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return readErr
}

// HandleLimited waits for a free concurrency slot, then answers message.
// It fails only when ctx ends before a slot frees up.
func (s *Server) HandleLimited(ctx context.Context, message Message) (Message, bool, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return Message{}, false, err
	}
	defer s.slots.Release(1)
	response, ok := s.Handle(ctx, message)
	return response, ok, nil
}

// Handle answers one message. ok is false for notifications, which never
// receive a response.
func (s *Server) Handle(ctx context.Context, message Message) (response Message, ok bool) {
	notification := message.IsNotification()

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("mcp: handler panic", "method", message.Method, "panic", recovered)
			if notification {
				response, ok = Message{}, false
				return
			}
			response, ok = errorResponse(message.ID, rpcErrorf(CodeInternalError, "Internal error")), true
		}
	}()

	if message.JSONRPC != jsonRPCVersion || message.Method == "" {
		if notification {
			return Message{}, false
		}
		return errorResponse(message.ID, rpcErrorf(CodeInvalidRequest, "Invalid request")), true
	}

	result, rpcErr := s.route(ctx, message)
	if notification {
		return Message{}, false
	}
	if rpcErr != nil {
		return errorResponse(message.ID, rpcErr), true
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(message.ID, rpcErrorf(CodeInternalError, "encode result: %v", err)), true
	}
	return Message{JSONRPC: jsonRPCVersion, ID: message.ID, Result: raw}, true
}

func (s *Server) route(ctx context.Context, message Message) (any, *RPCError) {
	switch message.Method {
	case "initialize":
		return s.initialize(message.Params)
	case "notifications/initialized", "notifications/cancelled":
		return struct{}{}, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		return s.callTool(ctx, message.Params)
	case "resources/list":
		return s.listResources(ctx)
	case "resources/read":
		return s.readResource(ctx, message.Params)
	default:
		return nil, rpcErrorf(CodeMethodNotFound, "Method not found: %s", message.Method)
	}
}

func (s *Server) initialize(params json.RawMessage) (any, *RPCError) {
	var req InitializeParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.ClientInfo.Name != "" {
		s.logger.Info("mcp: client connected", "client", req.ClientInfo.Name, "client_version", req.ClientInfo.Version)
	}
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		ServerInfo: Implementation{Name: ServerName, Version: s.version},
	}, nil
}

func (s *Server) listTools() ToolsListResult {
	tools := s.dispatcher.Tools()
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return ToolsListResult{Tools: out}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var req ToolsCallParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, rpcErrorf(CodeInvalidParams, "Invalid params: tool name is required")
	}

	result := s.dispatcher.Call(ctx, req.Name, req.Arguments)
	return ToolsCallResult{
		Content: []ContentBlock{{Type: "text", Text: result.Text}},
		IsError: result.IsError,
	}, nil
}

func (s *Server) listResources(ctx context.Context) (any, *RPCError) {
	resources, err := s.dispatcher.Resources(ctx)
	if err != nil {
		return nil, rpcErrorf(CodeInternalError, "%v", err)
	}
	out := make([]Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return ResourcesListResult{Resources: out}, nil
}

func (s *Server) readResource(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var req ResourcesReadParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	contents, err := s.dispatcher.ReadResource(ctx, req.URI)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidResource) {
			return nil, rpcErrorf(CodeInvalidParams, "%v", err)
		}
		return nil, rpcErrorf(CodeInternalError, "%v", err)
	}
	return ResourcesReadResult{Contents: []ResourceContents{{
		URI:      contents.URI,
		MimeType: contents.MimeType,
		Text:     contents.Text,
	}}}, nil
}

func decodeParams(params json.RawMessage, out any) *RPCError {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return rpcErrorf(CodeInvalidParams, "Invalid params: %v", err)
	}
	return nil
}

func errorResponse(id json.RawMessage, rpcErr *RPCError) Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Message{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
}
