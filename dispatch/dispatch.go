// Package dispatch turns named tool calls into page store operations. It
// validates argument shape, maps store failures onto a small error taxonomy,
// and renders results as text for the protocol layer.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/nlweb-mcp/ask"
	"github.com/petal-labs/nlweb-mcp/page"
)

// Tool names.
const (
	ToolAddPage     = "add_nlweb_page"
	ToolUpdatePage  = "update_nlweb_page"
	ToolGetPage     = "get_nlweb_page"
	ToolListPages   = "list_nlweb_pages"
	ToolSearchPages = "search_nlweb_pages"
	ToolDeletePage  = "delete_nlweb_page"
	ToolAskPage     = "ask_nlweb_page"
)

// Store is the subset of the page store the dispatcher calls.
type Store interface {
	Add(ctx context.Context, p page.NewPage) (int64, error)
	Update(ctx context.Context, id int64, patch page.Patch) error
	Get(ctx context.Context, id int64) (page.Page, bool, error)
	List(ctx context.Context) ([]page.Page, error)
	Search(ctx context.Context, query string) ([]page.Page, error)
	Delete(ctx context.Context, id int64) error
}

// Asker forwards a question to a page endpoint.
type Asker interface {
	Ask(ctx context.Context, req ask.Request) (json.RawMessage, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Asker defaults to an ask.Client with default settings.
	Asker  Asker
	Logger *slog.Logger
}

// Tool describes one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Result is the rendered outcome of one tool call. Failed calls carry the
// classified error in Err and "Error: <message>" in Text.
type Result struct {
	Text    string
	IsError bool
	Err     *ToolError
}

type toolHandler func(ctx context.Context, args arguments) (string, error)

// Dispatcher routes tool calls to the page store.
type Dispatcher struct {
	store    Store
	asker    Asker
	logger   *slog.Logger
	handlers map[string]toolHandler
}

// New returns a Dispatcher backed by store.
func New(store Store, opts Options) *Dispatcher {
	if opts.Asker == nil {
		opts.Asker = ask.NewClient(ask.Config{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		store:  store,
		asker:  opts.Asker,
		logger: opts.Logger,
	}
	d.handlers = map[string]toolHandler{
		ToolAddPage:     d.addPage,
		ToolUpdatePage:  d.updatePage,
		ToolGetPage:     d.getPage,
		ToolListPages:   d.listPages,
		ToolSearchPages: d.searchPages,
		ToolDeletePage:  d.deletePage,
		ToolAskPage:     d.askPage,
	}
	return d
}

// Tools lists the callable tools in a stable order.
func (d *Dispatcher) Tools() []Tool {
	out := make([]Tool, len(toolDefinitions))
	copy(out, toolDefinitions)
	return out
}

// Call executes the named tool. Failures never escape as Go errors; they are
// rendered into the Result so callers can return them to the client as-is.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) Result {
	callID := uuid.NewString()
	started := time.Now()

	text, err := d.invoke(ctx, name, arguments(args))
	duration := time.Since(started)

	observation := CallObservation{
		Tool:       name,
		CallID:     callID,
		DurationMS: duration.Milliseconds(),
		Success:    err == nil,
	}
	if err == nil {
		emitCallObservation(observation)
		d.logger.Debug("tool call completed",
			"tool", name,
			"call_id", callID,
			"duration_ms", observation.DurationMS,
		)
		return Result{Text: text}
	}

	toolErr := AsToolError(err)
	observation.ErrorCode = toolErr.Code
	emitCallObservation(observation)
	d.logger.Warn("tool call failed",
		"tool", name,
		"call_id", callID,
		"duration_ms", observation.DurationMS,
		"error_code", toolErr.Code,
		"error", toolErr.Message,
	)
	return Result{
		Text:    "Error: " + toolErr.Message,
		IsError: true,
		Err:     toolErr,
	}
}

func (d *Dispatcher) invoke(ctx context.Context, name string, args arguments) (string, error) {
	handler, ok := d.handlers[name]
	if !ok {
		return "", unknownTool(name)
	}
	if args == nil {
		args = arguments{}
	}
	return handler(ctx, args)
}

func (d *Dispatcher) addPage(ctx context.Context, args arguments) (string, error) {
	url, err := args.requiredURL("url")
	if err != nil {
		return "", err
	}
	title, err := args.requiredString("title")
	if err != nil {
		return "", err
	}
	description, err := args.optionalString("description")
	if err != nil {
		return "", err
	}
	tags, err := args.optionalString("tags")
	if err != nil {
		return "", err
	}

	id, err := d.store.Add(ctx, page.NewPage{
		URL:         url,
		Title:       title,
		Description: valueOrEmpty(description),
		Tags:        valueOrEmpty(tags),
		Status:      page.StatusActive,
	})
	if err != nil {
		return "", storeError(err, 0, url)
	}
	return fmt.Sprintf("Successfully added nlweb page with ID: %d", id), nil
}

func (d *Dispatcher) updatePage(ctx context.Context, args arguments) (string, error) {
	id, err := args.requiredID("id")
	if err != nil {
		return "", err
	}
	url, err := args.optionalURL("url")
	if err != nil {
		return "", err
	}
	title, err := args.optionalNonEmpty("title")
	if err != nil {
		return "", err
	}
	description, err := args.optionalString("description")
	if err != nil {
		return "", err
	}
	tags, err := args.optionalString("tags")
	if err != nil {
		return "", err
	}
	statusValue, err := args.optionalEnum("status", string(page.StatusActive), string(page.StatusInactive), string(page.StatusError))
	if err != nil {
		return "", err
	}

	patch := page.Patch{
		URL:         url,
		Title:       title,
		Description: description,
		Tags:        tags,
	}
	if statusValue != nil {
		status := page.Status(*statusValue)
		patch.Status = &status
	}

	if err := d.store.Update(ctx, id, patch); err != nil {
		return "", storeError(err, id, valueOrEmpty(url))
	}
	return fmt.Sprintf("Successfully updated nlweb page with ID: %d", id), nil
}

func (d *Dispatcher) getPage(ctx context.Context, args arguments) (string, error) {
	id, err := args.requiredID("id")
	if err != nil {
		return "", err
	}
	p, ok, err := d.store.Get(ctx, id)
	if err != nil {
		return "", storeError(err, id, "")
	}
	if !ok {
		return "", pageNotFound(id)
	}
	return prettyJSON(p)
}

func (d *Dispatcher) listPages(ctx context.Context, _ arguments) (string, error) {
	pages, err := d.store.List(ctx)
	if err != nil {
		return "", storeError(err, 0, "")
	}
	return prettyJSON(pages)
}

func (d *Dispatcher) searchPages(ctx context.Context, args arguments) (string, error) {
	query, err := args.requiredString("query")
	if err != nil {
		return "", err
	}
	pages, err := d.store.Search(ctx, query)
	if err != nil {
		return "", storeError(err, 0, "")
	}
	return prettyJSON(pages)
}

func (d *Dispatcher) deletePage(ctx context.Context, args arguments) (string, error) {
	id, err := args.requiredID("id")
	if err != nil {
		return "", err
	}
	if err := d.store.Delete(ctx, id); err != nil {
		return "", storeError(err, id, "")
	}
	return fmt.Sprintf("Successfully deleted nlweb page with ID: %d", id), nil
}

func (d *Dispatcher) askPage(ctx context.Context, args arguments) (string, error) {
	url, err := args.requiredURL("url")
	if err != nil {
		return "", err
	}
	query, err := args.requiredString("query")
	if err != nil {
		return "", err
	}
	prev, err := args.optionalString("prev")
	if err != nil {
		return "", err
	}
	mode, err := args.optionalEnum("mode", string(ask.ModeSummarize), string(ask.ModeGenerate))
	if err != nil {
		return "", err
	}

	answer, err := d.asker.Ask(ctx, ask.Request{
		URL:   url,
		Query: query,
		Prev:  valueOrEmpty(prev),
		Mode:  ask.Mode(valueOrEmpty(mode)),
	})
	if err != nil {
		return "", newToolError(ErrorCodeUpstreamFailure, err.Error(), err)
	}

	var decoded any
	if err := json.Unmarshal(answer, &decoded); err != nil {
		return "", newToolError(ErrorCodeUpstreamFailure, "decode endpoint response: "+err.Error(), err)
	}
	return prettyJSON(decoded)
}

func prettyJSON(value any) (string, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("dispatch: encode result: %w", err)
	}
	return string(data), nil
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
