package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/nlweb-mcp/dispatch"
	"github.com/petal-labs/nlweb-mcp/mcp"
)

// NewCallCmd creates the "call" subcommand. It runs one MCP tool in-process,
// or against a running server when --endpoint is set.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a registry tool directly, without an MCP host",
		Long: "Invoke a registry tool directly. Arguments are passed as --arg key=value; " +
			"values that parse as JSON keep their JSON type, anything else is a string.\n\n" +
			"With --endpoint the call goes to a server started by \"serve --http\".",
		Args: cobra.MaximumNArgs(1),
		RunE: runCall,
	}

	cmd.Flags().StringArray("arg", nil, "Tool argument as key=value (repeatable)")
	cmd.Flags().String("json-args", "", "Tool arguments as a JSON object")
	cmd.Flags().Bool("list", false, "List available tools instead of calling one")
	cmd.Flags().Bool("resources", false, "List page resources instead of calling a tool")
	cmd.Flags().String("read", "", "Print the resource with this URI (nlweb://page/<id>)")
	cmd.Flags().String("endpoint", "", "MCP HTTP endpoint to call, e.g. http://127.0.0.1:8080/mcp")
	cmd.Flags().Bool("ping", false, "Ping the server at --endpoint and exit")

	return cmd
}

// toolSession is what call needs from either the in-process dispatcher or a
// remote server.
type toolSession interface {
	Tools(ctx context.Context) ([]mcp.Tool, error)
	Call(ctx context.Context, name string, args map[string]any) (string, error)
	Resources(ctx context.Context) ([]mcp.Resource, error)
	Read(ctx context.Context, uri string) (string, error)
	Close()
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	list, _ := cmd.Flags().GetBool("list")
	resources, _ := cmd.Flags().GetBool("resources")
	readURI, _ := cmd.Flags().GetString("read")
	ping, _ := cmd.Flags().GetBool("ping")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	endpoint = strings.TrimSpace(endpoint)

	if ping && endpoint == "" {
		return exitError(exitValidation, "--ping requires --endpoint")
	}
	queryOnly := list || resources || readURI != "" || ping
	if !queryOnly && len(args) != 1 {
		return exitError(exitValidation, "call requires a tool name (see --list)")
	}

	var toolArgs map[string]any
	if !queryOnly {
		var err error
		if toolArgs, err = parseToolArgs(cmd); err != nil {
			return err
		}
	}

	var session toolSession
	switch {
	case endpoint != "":
		remote, err := dialEndpoint(ctx, endpoint)
		if err != nil {
			return err
		}
		if ping {
			defer remote.Close()
			if err := remote.client.Ping(ctx); err != nil {
				return exitError(exitRuntime, "ping %s: %v", endpoint, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}
		session = remote
	case list:
		// Tool metadata does not need the store.
		return writeTools(cmd.OutOrStdout(), localSession{d: dispatch.New(nil, dispatch.Options{})}.toolList())
	default:
		env, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		session = localSession{d: env.dispatcher(), env: env}
	}
	defer session.Close()

	switch {
	case list:
		tools, err := session.Tools(ctx)
		if err != nil {
			return exitError(exitRuntime, "listing tools: %v", err)
		}
		return writeTools(cmd.OutOrStdout(), tools)
	case resources:
		items, err := session.Resources(ctx)
		if err != nil {
			return exitError(exitRuntime, "listing resources: %v", err)
		}
		return writeResources(cmd.OutOrStdout(), items)
	case readURI != "":
		text, err := session.Read(ctx, readURI)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	}

	text, err := session.Call(ctx, args[0], toolArgs)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func parseToolArgs(cmd *cobra.Command) (map[string]any, error) {
	out := map[string]any{}

	if raw, _ := cmd.Flags().GetString("json-args"); strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, exitError(exitValidation, "parsing --json-args: %v", err)
		}
		if out == nil {
			out = map[string]any{}
		}
	}

	pairs, _ := cmd.Flags().GetStringArray("arg")
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, exitError(exitValidation, "invalid --arg %q: expected key=value", pair)
		}
		out[key] = parseArgValue(value)
	}
	return out, nil
}

// parseArgValue keeps JSON numbers, booleans, objects and arrays typed so
// "id=3" reaches the tool as a number. Bare words stay strings.
func parseArgValue(value string) any {
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err == nil && decoded != nil {
		return decoded
	}
	return value
}

func writeTools(w io.Writer, tools []mcp.Tool) error {
	writer := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "TOOL\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(writer, "%s\t%s\n", tool.Name, tool.Description)
	}
	return writer.Flush()
}

func writeResources(w io.Writer, resources []mcp.Resource) error {
	if len(resources) == 0 {
		fmt.Fprintln(w, "No resources found.")
		return nil
	}
	writer := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "URI\tNAME\tDESCRIPTION")
	for _, r := range resources {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", r.URI, r.Name, r.Description)
	}
	return writer.Flush()
}

// localSession runs tools against the local page store.
type localSession struct {
	d   *dispatch.Dispatcher
	env *runtimeEnv
}

func (s localSession) toolList() []mcp.Tool {
	var out []mcp.Tool
	for _, tool := range s.d.Tools() {
		out = append(out, mcp.Tool{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
	}
	return out
}

func (s localSession) Tools(context.Context) ([]mcp.Tool, error) {
	return s.toolList(), nil
}

func (s localSession) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	result := s.d.Call(ctx, name, args)
	if result.IsError {
		code := ""
		if result.Err != nil {
			code = result.Err.Code
		}
		return "", exitError(toolExitCode(code), "%s", result.Text)
	}
	return result.Text, nil
}

func (s localSession) Resources(ctx context.Context) ([]mcp.Resource, error) {
	items, err := s.d.Resources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Resource, 0, len(items))
	for _, r := range items {
		out = append(out, mcp.Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return out, nil
}

func (s localSession) Read(ctx context.Context, uri string) (string, error) {
	contents, err := s.d.ReadResource(ctx, uri)
	switch {
	case errors.Is(err, dispatch.ErrInvalidResource):
		return "", exitError(exitNotFound, "%v", err)
	case err != nil:
		return "", exitError(storeExitCode(err), "reading %s: %v", uri, err)
	}
	return contents.Text, nil
}

func (s localSession) Close() {
	s.env.close()
}

// remoteSession drives a server over its HTTP endpoint.
type remoteSession struct {
	client *mcp.Client
}

// dialEndpoint connects to endpoint and completes the initialize handshake.
func dialEndpoint(ctx context.Context, endpoint string) (*remoteSession, error) {
	if err := dispatch.ValidateURL(endpoint); err != nil {
		return nil, exitError(exitValidation, "--endpoint: %v", err)
	}
	transport, err := mcp.NewHTTPTransport(endpoint, nil)
	if err != nil {
		return nil, exitError(exitValidation, "--endpoint: %v", err)
	}
	client := mcp.NewClient(transport, mcp.Implementation{Name: "nlweb-mcp-call"})
	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, exitError(exitRuntime, "connecting to %s: %v", endpoint, err)
	}
	return &remoteSession{client: client}, nil
}

func (s *remoteSession) Tools(ctx context.Context) ([]mcp.Tool, error) {
	return s.client.ListTools(ctx)
}

func (s *remoteSession) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := s.client.CallTool(ctx, name, args)
	if err != nil {
		return "", exitError(exitRuntime, "calling %s: %v", name, err)
	}
	text := joinContent(result.Content)
	if result.IsError {
		// Only the message crosses the wire, not the error code.
		return "", exitError(exitRuntime, "%s", text)
	}
	return text, nil
}

func (s *remoteSession) Resources(ctx context.Context) ([]mcp.Resource, error) {
	return s.client.ListResources(ctx)
}

func (s *remoteSession) Read(ctx context.Context, uri string) (string, error) {
	contents, err := s.client.ReadResource(ctx, uri)
	if err != nil {
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == mcp.CodeInvalidParams {
			return "", exitError(exitNotFound, "%s", rpcErr.Message)
		}
		return "", exitError(exitRuntime, "reading %s: %v", uri, err)
	}
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n"), nil
}

func (s *remoteSession) Close() {
	_ = s.client.Close(context.Background())
}

func joinContent(blocks []mcp.ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
