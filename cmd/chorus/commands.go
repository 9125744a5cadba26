package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <user> <text>...",
	Short: "Inject an inbound message for a user",
	Long: `Inject an inbound message into the processing queue.

Examples:
  chorus send alice "how do I fix this error?"
  chorus send bob --role friend "feeling a bit lonely today"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		userID := args[0]
		text := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/messages", map[string]string{
			"user_id": userID,
			"role":    role,
			"text":    text,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued message %s", result["entry_id"])
		return nil
	},
}

func init() {
	sendCmd.Flags().String("role", "", "persona role hint (operator, tech, friend, advisor, agitator)")
}

// --- recent ---

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent conversation messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/messages/recent?limit=%d", limit))
		if err != nil {
			return err
		}

		var messages []struct {
			UserID    string `json:"user_id"`
			Role      string `json:"role"`
			Direction string `json:"direction"`
			Text      string `json:"text"`
			Timestamp string `json:"timestamp"`
		}
		if err := decodeJSON(resp, &messages); err != nil {
			return err
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range messages {
			arrow := "→"
			if m.Direction == "out" {
				arrow = "←"
			}
			text := m.Text
			if len(text) > 80 {
				text = text[:80] + "..."
			}
			fmt.Printf("%s %s %s  %s\n",
				colorize(colorCyan, m.UserID),
				arrow,
				m.Timestamp,
				text,
			)
		}
		return nil
	},
}

func init() {
	recentCmd.Flags().Int("limit", 20, "maximum number of messages")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show pending queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queue/depth")
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Printf("%d\n", result["depth"])
		return nil
	},
}

// --- model ---

var modelCmd = &cobra.Command{
	Use:   "model <user>",
	Short: "Show the model assigned to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/users/"+url.PathEscape(args[0])+"/model")
		if err != nil {
			return err
		}

		var result struct {
			ModelID    string `json:"model_id"`
			AssignedAt string `json:"assigned_at"`
			Iterations int    `json:"iterations"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Model", "%s", result.ModelID)
		printStatus("Assigned", "%s", result.AssignedAt)
		printStatus("Iterations", "%d", result.Iterations)
		return nil
	},
}

// --- blacklist ---

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage the user blacklist",
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blacklisted users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/blacklist")
		if err != nil {
			return err
		}

		var entries []struct {
			UserID string `json:"user_id"`
			Reason string `json:"reason"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("Blacklist is empty.")
			return nil
		}
		for _, e := range entries {
			if e.Reason != "" {
				fmt.Printf("%s  (%s)\n", colorize(colorCyan, e.UserID), e.Reason)
			} else {
				fmt.Println(colorize(colorCyan, e.UserID))
			}
		}
		return nil
	},
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <user>",
	Short: "Add a user to the blacklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/blacklist/" + url.PathEscape(args[0])
		if reason != "" {
			path += "?reason=" + url.QueryEscape(reason)
		}
		resp, err := client.put(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}

		printSuccess("Blacklisted %s", args[0])
		return nil
	},
}

var blacklistRemoveCmd = &cobra.Command{
	Use:   "remove <user>",
	Short: "Remove a user from the blacklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/blacklist/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}

		printSuccess("Removed %s from blacklist", args[0])
		return nil
	},
}

func init() {
	blacklistAddCmd.Flags().String("reason", "", "reason for blacklisting")
	blacklistCmd.AddCommand(blacklistListCmd)
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
}

// --- pause / resume ---

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause reply generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/engine/pause", nil)
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Processing paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume reply generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/engine/resume", nil)
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Processing resumed")
		return nil
	},
}

// --- loglevel ---

var logLevelCmd = &cobra.Command{
	Use:   "loglevel [level]",
	Short: "Show or change the server log level",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			resp, err := client.get(cmd.Context(), "/log/level")
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			fmt.Println(result["level"])
			return nil
		}

		resp, err := client.put(cmd.Context(), "/log/level", map[string]string{"level": args[0]})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Log level set to %s", result["level"])
		return nil
	},
}
