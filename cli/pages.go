package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/nlweb-mcp/ask"
	"github.com/petal-labs/nlweb-mcp/dispatch"
	"github.com/petal-labs/nlweb-mcp/page"
)

// NewPagesCmd creates the "pages" command group.
func NewPagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Manage registered nlweb pages",
	}

	cmd.AddCommand(newPagesAddCmd())
	cmd.AddCommand(newPagesUpdateCmd())
	cmd.AddCommand(newPagesGetCmd())
	cmd.AddCommand(newPagesListCmd())
	cmd.AddCommand(newPagesSearchCmd())
	cmd.AddCommand(newPagesDeleteCmd())
	cmd.AddCommand(newPagesAskCmd())
	cmd.AddCommand(newPagesStatsCmd())
	return cmd
}

func newPagesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a page",
		Args:  cobra.ExactArgs(1),
		RunE:  runPagesAdd,
	}
	cmd.Flags().String("title", "", "Page title (required)")
	cmd.Flags().String("description", "", "Page description")
	cmd.Flags().String("tags", "", "Comma-separated tags")
	cmd.Flags().String("status", string(page.StatusActive), "Status: active | inactive | error")
	return cmd
}

func runPagesAdd(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	tags, _ := cmd.Flags().GetString("tags")
	statusValue, _ := cmd.Flags().GetString("status")

	status, err := page.ParseStatus(statusValue)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	url := strings.TrimSpace(args[0])
	if err := dispatch.ValidateURL(url); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	id, err := env.store.Add(commandContext(cmd), page.NewPage{
		URL:         url,
		Title:       title,
		Description: description,
		Tags:        tags,
		Status:      status,
	})
	if err != nil {
		return exitError(storeExitCode(err), "adding page: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added page %d: %s\n", id, url)
	return nil
}

func newPagesUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a page",
		Args:  cobra.ExactArgs(1),
		RunE:  runPagesUpdate,
	}
	cmd.Flags().String("url", "", "New URL")
	cmd.Flags().String("title", "", "New title")
	cmd.Flags().String("description", "", "New description (empty clears it)")
	cmd.Flags().String("tags", "", "New tags (empty clears them)")
	cmd.Flags().String("status", "", "New status: active | inactive | error")
	cmd.Flags().String("last-checked", "", "Last check timestamp")
	cmd.Flags().Int64("response-time", 0, "Last response time in milliseconds")
	return cmd
}

func runPagesUpdate(cmd *cobra.Command, args []string) error {
	id, err := parsePageID(args[0])
	if err != nil {
		return err
	}

	var patch page.Patch
	flags := cmd.Flags()
	stringFlag := func(name string) *string {
		if !flags.Changed(name) {
			return nil
		}
		value, _ := flags.GetString(name)
		return &value
	}
	patch.URL = stringFlag("url")
	if patch.URL != nil {
		if err := dispatch.ValidateURL(*patch.URL); err != nil {
			return exitError(exitValidation, "%v", err)
		}
	}
	patch.Title = stringFlag("title")
	patch.Description = stringFlag("description")
	patch.Tags = stringFlag("tags")
	patch.LastChecked = stringFlag("last-checked")
	if raw := stringFlag("status"); raw != nil {
		status, err := page.ParseStatus(*raw)
		if err != nil {
			return exitError(exitValidation, "%v", err)
		}
		patch.Status = &status
	}
	if flags.Changed("response-time") {
		value, _ := flags.GetInt64("response-time")
		patch.ResponseTime = &value
	}

	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.store.Update(commandContext(cmd), id, patch); err != nil {
		return exitError(storeExitCode(err), "updating page %d: %v", id, err)
	}
	if patch.IsEmpty() {
		fmt.Fprintf(cmd.OutOrStdout(), "No fields given; refreshed updatedAt of page %d\n", id)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated page %d\n", id)
	return nil
}

func newPagesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|url>",
		Short: "Show one page as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runPagesGet,
	}
}

func runPagesGet(cmd *cobra.Command, args []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	ref := strings.TrimSpace(args[0])
	var (
		p  page.Page
		ok bool
	)
	if id, parseErr := strconv.ParseInt(ref, 10, 64); parseErr == nil {
		p, ok, err = env.store.Get(commandContext(cmd), id)
	} else {
		p, ok, err = env.store.GetByURL(commandContext(cmd), ref)
	}
	if err != nil {
		return exitError(exitRuntime, "reading page: %v", err)
	}
	if !ok {
		return exitError(exitNotFound, "page %q not found", ref)
	}
	return writeJSON(cmd.OutOrStdout(), p)
}

func newPagesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pages, most recently updated first",
		Args:  cobra.NoArgs,
		RunE:  runPagesList,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func runPagesList(cmd *cobra.Command, _ []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	pages, err := env.store.List(commandContext(cmd))
	if err != nil {
		return exitError(exitRuntime, "listing pages: %v", err)
	}
	return printPages(cmd, pages)
}

func newPagesSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search title, description, tags and URL",
		Args:  cobra.ExactArgs(1),
		RunE:  runPagesSearch,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func runPagesSearch(cmd *cobra.Command, args []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	pages, err := env.store.Search(commandContext(cmd), args[0])
	if err != nil {
		return exitError(storeExitCode(err), "searching pages: %v", err)
	}
	return printPages(cmd, pages)
}

func newPagesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a page",
		Args:  cobra.ExactArgs(1),
		RunE:  runPagesDelete,
	}
}

func runPagesDelete(cmd *cobra.Command, args []string) error {
	id, err := parsePageID(args[0])
	if err != nil {
		return err
	}

	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.store.Delete(commandContext(cmd), id); err != nil {
		return exitError(storeExitCode(err), "deleting page %d: %v", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted page %d\n", id)
	return nil
}

func newPagesAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <url> <query>",
		Short: "Ask a page endpoint a question",
		Args:  cobra.ExactArgs(2),
		RunE:  runPagesAsk,
	}
	cmd.Flags().String("prev", "", "Previous queries in the conversation")
	cmd.Flags().String("mode", "", "Answer mode: summarize | generate")
	return cmd
}

func runPagesAsk(cmd *cobra.Command, args []string) error {
	prev, _ := cmd.Flags().GetString("prev")
	mode, _ := cmd.Flags().GetString("mode")
	switch ask.Mode(mode) {
	case "", ask.ModeSummarize, ask.ModeGenerate:
	default:
		return exitError(exitValidation, "invalid mode %q (want summarize or generate)", mode)
	}
	if err := dispatch.ValidateURL(args[0]); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env := &runtimeEnv{cfg: cfg, logger: newLogger(cmd.ErrOrStderr(), cfg.Log.Level)}

	answer, err := env.askClient().Ask(commandContext(cmd), ask.Request{
		URL:   args[0],
		Query: args[1],
		Prev:  prev,
		Mode:  ask.Mode(mode),
	})
	if err != nil {
		return exitError(exitRuntime, "asking %s: %v", args[0], err)
	}

	var decoded any
	if err := json.Unmarshal(answer, &decoded); err != nil {
		return exitError(exitRuntime, "decoding answer: %v", err)
	}
	return writeJSON(cmd.OutOrStdout(), decoded)
}

func newPagesStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show registry statistics",
		Args:  cobra.NoArgs,
		RunE:  runPagesStats,
	}
}

func runPagesStats(cmd *cobra.Command, _ []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	ctx := commandContext(cmd)
	pages, err := env.store.List(ctx)
	if err != nil {
		return exitError(exitRuntime, "listing pages: %v", err)
	}
	total, err := env.store.Count(ctx)
	if err != nil {
		return exitError(exitRuntime, "counting pages: %v", err)
	}

	byStatus := map[page.Status]int{}
	for _, p := range pages {
		byStatus[p.Status]++
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintf(writer, "Database:\t%s\n", env.cfg.Database.Path)
	fmt.Fprintf(writer, "Pages:\t%d\n", total)
	for _, status := range []page.Status{page.StatusActive, page.StatusInactive, page.StatusError} {
		fmt.Fprintf(writer, "  %s:\t%d\n", status, byStatus[status])
	}
	if len(pages) > 0 {
		fmt.Fprintf(writer, "Last updated:\t%s\n", pages[0].UpdatedAt)
	}
	return writer.Flush()
}

func printPages(cmd *cobra.Command, pages []page.Page) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), pages)
	}
	if len(pages) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pages found.")
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tURL\tTITLE\tSTATUS\tUPDATED")
	for _, p := range pages {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.URL, p.Title, p.Status, p.UpdatedAt)
	}
	return writer.Flush()
}

func parsePageID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(exitValidation, "invalid page id %q: must be a positive integer", raw)
	}
	return id, nil
}

func writeJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding output: %v", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
