package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// defaultUserID is the user identity CLI commands act as when --user is not
// given.
func defaultUserID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents for processing",
	Long: `Upload one or more documents (PDF, text, or markdown) for processing.

Examples:
  docq upload report.pdf
  docq upload notes.md appendix.txt --user alice`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			user = defaultUserID()
		}

		for _, file := range args {
			if _, err := os.Stat(file); err != nil {
				return fmt.Errorf("checking %s: %w", file, err)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFiles(cmd.Context(), "/documents", map[string]string{"user_id": user}, args)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s (%s)", result["id"], result["status"])
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("user", "", "user ID to upload as (default: current OS user)")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question",
	Long: `Ask a question about an uploaded document, or chat without one.

Examples:
  docq ask --doc 3f2a... "What does section 2 conclude?"
  docq ask --doc 3f2a... --context-only "List the named parties"
  docq ask --normal "What is a vector index?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		docID, _ := cmd.Flags().GetString("doc")
		user, _ := cmd.Flags().GetString("user")
		normalChat, _ := cmd.Flags().GetBool("normal")
		contextOnly, _ := cmd.Flags().GetBool("context-only")

		if user == "" {
			user = defaultUserID()
		}
		if docID == "" && !normalChat {
			return fmt.Errorf("--doc is required unless --normal is set")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id":      user,
			"doc_id":       docID,
			"question":     question,
			"normal_chat":  normalChat,
			"context_only": contextOnly,
		}
		resp, err := client.post(cmd.Context(), "/chat", req)
		if err != nil {
			return err
		}

		var result struct {
			Answer string `json:"answer"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		return nil
	},
}

func init() {
	askCmd.Flags().String("doc", "", "document ID to ask about")
	askCmd.Flags().String("user", "", "user ID to ask as (default: current OS user)")
	askCmd.Flags().Bool("normal", false, "chat without document context")
	askCmd.Flags().Bool("context-only", false, "answer strictly from the document's content")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage uploaded documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		if user == "" {
			user = defaultUserID()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/documents?user_id=%s&limit=%d", url.QueryEscape(user), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var docs []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Status    string `json:"status"`
			WordCount int    `json:"word_count"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			fmt.Printf("%s  %-10s  %6d words  %s\n",
				colorize(colorCyan, d.ID[:8]),
				d.Status,
				d.WordCount,
				d.Name,
			)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().String("user", "", "user ID to list for (default: current OS user)")
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <doc-id>",
	Short: "Show recent Q&A history for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/documents/%s/history?limit=%d", args[0], limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var turns []struct {
			Question  string `json:"question"`
			Answer    string `json:"answer"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		if len(turns) == 0 {
			fmt.Println("No history found.")
			return nil
		}

		for _, t := range turns {
			fmt.Printf("%s %s\n", colorize(colorBold, "Q:"), t.Question)
			answer := t.Answer
			if len(answer) > 500 {
				answer = answer[:500] + "..."
			}
			fmt.Printf("%s %s\n\n", colorize(colorBold, "A:"), answer)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of exchanges to show")
}
