package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/taskmind/internal/api"
	"github.com/kalambet/taskmind/internal/config"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/planner"
	"github.com/kalambet/taskmind/internal/retrieval"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message; complex requests are planned and executed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out, err := sendChat(cmd.Context(), client, strings.Join(args, " "), conversation)
		if err != nil {
			return err
		}
		printChat(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	chatCmd.Flags().String("conversation", "", "continue an existing conversation")
}

func sendChat(ctx context.Context, c *apiClient, message, conversation string) (api.ChatResponse, error) {
	var out api.ChatResponse
	resp, err := c.post(ctx, "/chat", api.ChatRequest{Message: message, ConversationID: conversation})
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

func printChat(w io.Writer, out api.ChatResponse) {
	fmt.Fprintln(w, out.Answer)
	if out.Plan != nil {
		fmt.Fprintln(w)
		fmt.Fprint(w, planner.RenderTaskPlan(*out.Plan, time.Now()))
	}
	if out.ConversationID != "" {
		fmt.Fprintf(stderr, "%s %s\n", colorize(colorCyan, "conversation:"), out.ConversationID)
	}
}

// --- plan ---

var planCmd = &cobra.Command{
	Use:   "plan <message>",
	Short: "Plan a task; with --dry-run only show the plan",
	Long: `Plan a task.

With --dry-run the message is classified and decomposed locally and the
task plan is printed without contacting the server.

Examples:
  taskmind plan --dry-run "Research Fibonacci and write a python script"
  taskmind plan list
  taskmind plan export plan_123 --format html -o plan.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if dryRun {
			hintsPath, _ := cmd.Flags().GetString("hints")
			p, err := localPlanner(hintsPath)
			if err != nil {
				return err
			}
			return dryRunPlan(cmd.OutOrStdout(), p, message)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out, err := sendChat(cmd.Context(), client, message, "")
		if err != nil {
			return err
		}
		printChat(cmd.OutOrStdout(), out)
		return nil
	},
}

func localPlanner(hintsPath string) (*planner.Planner, error) {
	opts := []planner.Option{}
	if cfg, err := config.Load(); err == nil {
		opts = append(opts, planner.WithThreshold(cfg.Planner.Threshold))
	}
	if hintsPath != "" {
		data, err := os.ReadFile(hintsPath)
		if err != nil {
			return nil, fmt.Errorf("reading hints: %w", err)
		}
		h, err := planner.ParseHints(data)
		if err != nil {
			return nil, err
		}
		opts = append(opts, planner.WithHints(h))
	}
	return planner.New(nil, opts...), nil
}

func dryRunPlan(w io.Writer, p *planner.Planner, message string) error {
	a := p.Assess(message)
	if !a.Plan {
		fmt.Fprintf(w, "No plan needed (score %.2f): the message would be answered directly.\n", a.Score)
		return nil
	}
	plan := p.CreatePlan(message)
	fmt.Fprint(w, planner.RenderTaskPlan(plan, time.Now()))
	return nil
}

type planSummary struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Status   planner.Status `json:"status"`
	Steps    int            `json:"steps"`
	Progress float64        `json:"progress"`
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans held by the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/plans")
		if err != nil {
			return err
		}
		var plans []planSummary
		if err := decodeJSON(resp, &plans); err != nil {
			return err
		}
		if len(plans) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No plans.")
			return nil
		}
		for _, p := range plans {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %3.0f%%  %s\n",
				colorize(colorCyan, p.ID), p.Status, p.Progress*100, clip(p.Title, 60))
		}
		return nil
	},
}

var planExportCmd = &cobra.Command{
	Use:   "export <plan-id>",
	Short: "Export a plan as markdown, html, json or text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/plans/" + url.PathEscape(args[0]) + "/export?" + url.Values{"format": {format}}.Encode()
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return responseError(resp)
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Plan exported to %s", output)
		}
		return nil
	},
}

var planRetryCmd = &cobra.Command{
	Use:   "retry <plan-id> <step-id>",
	Short: "Retry a failed step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/plans/%s/steps/%s/retry", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var p planner.Plan
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), planner.RenderTaskPlan(p, time.Now()))
		return nil
	},
}

func init() {
	planCmd.Flags().Bool("dry-run", false, "print the plan without executing it")
	planCmd.Flags().String("hints", "", "YAML tool hints file for --dry-run")
	planExportCmd.Flags().String("format", "markdown", "markdown, html, json or text")
	planExportCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")
	planCmd.AddCommand(planListCmd, planExportCmd, planRetryCmd)
}

// --- recall ---

type recallResult struct {
	Query     string                     `json:"query"`
	Documents []retrieval.DocumentResult `json:"documents"`
	Memories  []struct {
		Memory memory.Entry `json:"memory"`
		Score  float64      `json:"score"`
	} `json:"memories"`
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search the knowledge base and memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := recall(cmd.Context(), client, strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		printRecall(cmd.OutOrStdout(), res)
		return nil
	},
}

func recall(ctx context.Context, c *apiClient, query string, limit int) (recallResult, error) {
	var res recallResult
	q := url.Values{"q": {query}, "limit": {fmt.Sprint(limit)}}
	resp, err := c.get(ctx, "/recall?"+q.Encode())
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func printRecall(w io.Writer, res recallResult) {
	if len(res.Documents) == 0 && len(res.Memories) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, d := range res.Documents {
		fmt.Fprintf(w, "\n%s %s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Document %d", i+1)), d.DocumentID, d.Score)
		for _, c := range d.Chunks {
			fmt.Fprintf(w, "  %s\n", clip(c.Text, 500))
		}
	}
	for _, m := range res.Memories {
		fmt.Fprintf(w, "\n%s %s/%s [score: %.3f]\n  %s\n",
			colorize(colorBold, "Memory"), m.Memory.Type, m.Memory.Importance, m.Score, clip(m.Memory.Content, 500))
	}
}

func init() {
	recallCmd.Flags().Int("limit", 5, "maximum number of documents")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into the knowledge base",
	Long: `Ingest content into the knowledge base.

Examples:
  taskmind ingest --text "Fibonacci numbers grow exponentially" --tags math
  taskmind ingest --url https://example.com/article --tags research
  taskmind ingest --file ./paper.pdf --title "Paper" --tags research`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		tagsStr, _ := cmd.Flags().GetString("tags")

		req, err := buildIngestRequest(text, rawURL, file, title, tagsStr)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/ingest", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued doc %s", result["id"])
		return nil
	},
}

func buildIngestRequest(text, rawURL, file, title, tagsStr string) (api.IngestRequest, error) {
	req := api.IngestRequest{Source: "cli", Title: title}
	if tagsStr != "" {
		for _, t := range strings.Split(tagsStr, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Tags = append(req.Tags, t)
			}
		}
	}

	switch {
	case text != "":
		req.Type = "text"
		req.Content = text
	case rawURL != "":
		req.Type = "url"
		req.URL = rawURL
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("reading file: %w", err)
		}
		// Files go through as bytes so the server can extract PDF and HTML.
		req.Type = "file"
		req.Filename = filepath.Base(file)
		req.Content = base64.StdEncoding.EncodeToString(data)
	default:
		return req, errors.New("one of --text, --url, or --file is required")
	}
	return req, nil
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("tags", "", "comma-separated tags")
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and manage long-term memory",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories, most important first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		types, _ := cmd.Flags().GetStringSlice("type")
		minImportance, _ := cmd.Flags().GetString("min-importance")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"limit": {fmt.Sprint(limit)}}
		for _, t := range types {
			q.Add("type", t)
		}
		if minImportance != "" {
			q.Set("min_importance", minImportance)
		}
		resp, err := client.get(cmd.Context(), "/memories?"+q.Encode())
		if err != nil {
			return err
		}
		var entries []memory.Entry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No memories.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s %-8s %s\n",
				colorize(colorCyan, e.ID), e.Type, e.Importance, clip(e.Content, 80))
		}
		return nil
	},
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		importance, _ := cmd.Flags().GetString("importance")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		req := api.MemoryRequest{
			Type:       memory.Type(typ),
			Importance: memory.Importance(importance),
			Content:    strings.Join(args, " "),
		}
		if ttl > 0 {
			req.TTL = ttl.String()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/memories", req)
		if err != nil {
			return err
		}
		var e memory.Entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Stored memory %s", e.ID)
		return nil
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/memories/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted memory %s", args[0])
		return nil
	},
}

var memoryPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL memories. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Deleting memories...")
		failures, err := purgeEndpoint(cmd.Context(), client, "/memories")
		if err != nil {
			return err
		}
		if failures > 0 {
			return fmt.Errorf("%d memories could not be deleted", failures)
		}
		printSuccess("All memories purged")
		return nil
	},
}

// purgeEndpoint deletes every item listed at path, page by page. Items that
// fail to delete are counted and skipped.
func purgeEndpoint(ctx context.Context, c *apiClient, path string) (int, error) {
	failures := 0
	failed := map[string]bool{}
	for {
		resp, err := c.get(ctx, path+"?limit=100")
		if err != nil {
			return failures, err
		}
		var items []struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return failures, err
		}
		progressed := false
		for _, it := range items {
			if failed[it.ID] {
				continue
			}
			progressed = true
			dr, err := c.delete(ctx, path+"/"+url.PathEscape(it.ID))
			if err == nil {
				err = decodeJSON(dr, nil)
			}
			if err != nil {
				printError("Failed to delete %s: %v", it.ID, err)
				failed[it.ID] = true
				failures++
			}
		}
		if !progressed {
			return failures, nil
		}
	}
}

func init() {
	memoryListCmd.Flags().StringSlice("type", nil, "filter by memory type (repeatable)")
	memoryListCmd.Flags().String("min-importance", "", "critical, useful or ambient")
	memoryListCmd.Flags().Int("limit", 50, "maximum number of memories")
	memoryAddCmd.Flags().String("type", string(memory.LearnedFact), "memory type")
	memoryAddCmd.Flags().String("importance", string(memory.Useful), "critical, useful or ambient")
	memoryAddCmd.Flags().Duration("ttl", 0, "expire the memory after this long")
	memoryPurgeCmd.Flags().Bool("confirm", false, "confirm purge")
	memoryCmd.AddCommand(memoryListCmd, memoryAddCmd, memoryDeleteCmd, memoryPurgeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
