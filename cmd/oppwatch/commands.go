package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mkoval/oppwatch/internal/config"
)

// --- detect ---

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run opportunity detection now",
	Long: `Fetch fresh analytics and run the opportunity detectors immediately,
without waiting for the next scheduled run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/detect", nil)
		if err != nil {
			return err
		}

		var result struct {
			Candidates int `json:"candidates"`
			Created    int `json:"created"`
			Duplicates int `json:"duplicates"`
			Failed     int `json:"failed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Detection complete: %d candidates, %d new, %d already tracked, %d failed",
			result.Candidates, result.Created, result.Duplicates, result.Failed)
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked opportunities",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/opportunities?limit=" + strconv.Itoa(limit)
		if status != "" {
			path += "&status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var opps []struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Title  string `json:"title"`
			Score  int    `json:"score"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &opps); err != nil {
			return err
		}

		if len(opps) == 0 {
			fmt.Println("No opportunities found.")
			return nil
		}

		for _, o := range opps {
			title := o.Title
			if len(title) > 60 {
				title = title[:60] + "..."
			}
			fmt.Printf("%s  %3d  %-14s  %-18s  %s\n",
				colorize(colorCyan, o.ID[:8]),
				o.Score,
				colorize(statusColor(o.Status), o.Status),
				o.Kind,
				title,
			)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("status", "", "filter by status (detected, promoted, investigating, dismissed, spec-generated, shipped)")
	listCmd.Flags().Int("limit", 50, "maximum number of opportunities to list")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single opportunity as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/opportunities/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var opp any
		if err := decodeJSON(resp, &opp); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(opp)
	},
}

// --- act ---

var actCmd = &cobra.Command{
	Use:   "act <id> <action>",
	Short: "Apply a triage action to a detected opportunity",
	Long: `Apply a triage action to a detected opportunity.

Actions:
  promote      accept the opportunity for spec generation
  investigate  park it for manual digging
  dismiss      close it as not worth pursuing`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, action := args[0], args[1]
		actor, _ := cmd.Flags().GetString("actor")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"id": id, "action": action, "actor": actor}
		resp, err := client.post(cmd.Context(), "/callbacks/action", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Applied %s to %s", action, id)
		return nil
	},
}

func init() {
	actCmd.Flags().String("actor", "cli", "who is taking the action")
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <id>",
	Short: "Generate a spec for a promoted opportunity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/opportunities/"+url.PathEscape(args[0])+"/generate-spec", nil)
		if err != nil {
			return err
		}

		var result struct {
			Status  string `json:"status"`
			SpecRef string `json:"spec_ref"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Spec generated: %s", result.SpecRef)
		return nil
	},
}

// --- ship ---

var shipCmd = &cobra.Command{
	Use:   "ship <id>",
	Short: "Mark an opportunity as shipped with measured impact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metric, _ := cmd.Flags().GetString("metric")
		before, _ := cmd.Flags().GetFloat64("before")
		after, _ := cmd.Flags().GetFloat64("after")
		rating, _ := cmd.Flags().GetInt("rating")

		if metric == "" {
			return fmt.Errorf("--metric is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"metric": metric,
			"before": before,
			"after":  after,
			"rating": rating,
		}
		resp, err := client.post(cmd.Context(), "/opportunities/"+url.PathEscape(args[0])+"/ship", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Marked %s as shipped (%s: %v -> %v)", args[0], metric, before, after)
		return nil
	},
}

func init() {
	shipCmd.Flags().String("metric", "", "metric the shipped work moved")
	shipCmd.Flags().Float64("before", 0, "metric value before shipping")
	shipCmd.Flags().Float64("after", 0, "metric value after shipping")
	shipCmd.Flags().Int("rating", 0, "outcome rating to feed back to the spec generator (1-5)")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the transition history of an opportunity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/opportunities/"+url.PathEscape(args[0])+"/history")
		if err != nil {
			return err
		}

		var transitions []struct {
			From      string `json:"from_status"`
			To        string `json:"to_status"`
			Action    string `json:"action"`
			Actor     string `json:"actor"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &transitions); err != nil {
			return err
		}

		if len(transitions) == 0 {
			fmt.Println("No transitions recorded.")
			return nil
		}

		for _, t := range transitions {
			from := t.From
			if from == "" {
				from = "-"
			}
			fmt.Printf("%s  %s -> %s", t.CreatedAt, from, colorize(statusColor(t.To), t.To))
			if t.Action != "" {
				fmt.Printf("  (%s by %s)", t.Action, t.Actor)
			}
			fmt.Println()
		}
		return nil
	},
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
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
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
