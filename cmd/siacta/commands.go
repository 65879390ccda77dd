package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/siacta/internal/api"
	"github.com/kalambet/siacta/internal/config"
	"github.com/kalambet/siacta/internal/engine"
	"github.com/kalambet/siacta/internal/storage"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document and start ingesting it",
	Long: `Upload a document and start ingesting it.

Accepted formats: .pdf .docx .txt .epub .md .html .htm .odt .rtf

Examples:
  siacta upload ./lecture-03.pdf
  siacta upload ~/notes/biology.docx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var doc api.DocumentView
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		printSuccess("Uploaded %s (id: %s)", doc.Filename, doc.ID)
		printStep("Ingestion started; check progress with: siacta status %s", doc.ID)
		return nil
	},
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []api.DocumentView
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents yet.")
			return nil
		}

		for _, d := range docs {
			fmt.Printf("%s  %s  %s\n", d.ID, statusColor(fmt.Sprintf("%-10s", d.Status)), d.Title)
		}
		return nil
	},
}

// showDocument prints one document, which doubles as the ingestion status
// poll.
func showDocument(ctx context.Context, id string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.get(ctx, "/v1/documents/"+url.PathEscape(id))
	if err != nil {
		return err
	}

	var doc api.DocumentView
	if err := decodeJSON(resp, &doc); err != nil {
		return err
	}

	printStatus("ID", "%s", doc.ID)
	printStatus("Title", "%s", doc.Title)
	printStatus("File", "%s (%s)", doc.Filename, doc.MimeType)
	printStatus("Status", "%s", statusColor(doc.Status))
	if doc.PageCount != nil {
		printStatus("Pages", "%d", *doc.PageCount)
	}
	if doc.Author != "" {
		printStatus("Author", "%s", doc.Author)
	}
	if doc.SummaryShort != "" {
		printStatus("Summary", "%s", doc.SummaryShort)
	}
	if len(doc.Concepts) > 0 {
		printStatus("Concepts", "%s", strings.Join(doc.Concepts, ", "))
	}
	printStatus("Updated", "%s", doc.UpdatedAt)
	return nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <document-id>",
	Short: "Start, retry or repeat ingestion of a document",
	Long: `Start, retry or repeat ingestion of a document.

Without flags an UPLOADED document is ingested. --retry restarts a document
in ERROR and --reingest rebuilds a COMPLETED one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		retry, _ := cmd.Flags().GetBool("retry")
		reingest, _ := cmd.Flags().GetBool("reingest")
		if retry && reingest {
			return fmt.Errorf("--retry and --reingest are mutually exclusive")
		}

		id := url.PathEscape(args[0])
		path := "/v1/documents/" + id + "/ingest"
		switch {
		case retry:
			path = "/v1/documents/" + id + "/retry"
		case reingest:
			path += "?reingest=true"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			var se *serverError
			if errors.As(err, &se) && se.Status == http.StatusConflict {
				return fmt.Errorf("document %s cannot be ingested now: %w", args[0], err)
			}
			return err
		}

		printSuccess("Document %s is %s", result["id"], result["status"])
		return nil
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <document-id> <message>",
	Short: "Ask a question about a document",
	Long: `Ask a question about a document.

Examples:
  siacta chat 3f1c... "What is photosynthesis?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.TrimSpace(strings.Join(args[1:], " "))
		if message == "" {
			return fmt.Errorf("message is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/documents/"+url.PathEscape(args[0])+"/chat", map[string]string{
			"message": message,
		})
		if err != nil {
			return err
		}

		var reply api.ChatResponse
		if err := decodeJSON(resp, &reply); err != nil {
			// A failed turn still carries the answer that was recorded.
			var se *serverError
			if errors.As(err, &se) && json.Unmarshal(se.Body, &reply) == nil && reply.Answer != "" {
				printWarning("%v", err)
				fmt.Println(reply.Answer)
				return nil
			}
			return err
		}

		fmt.Println(reply.Answer)
		if len(reply.Sources) > 0 {
			pages := make([]string, len(reply.Sources))
			for i, s := range reply.Sources {
				pages[i] = fmt.Sprintf("%d", s.Page)
			}
			fmt.Println(colorize(colorCyan, "Sources: page "+strings.Join(pages, ", ")))
		}
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <document-id>",
	Short: "Show the chat history of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/documents/%s/messages?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}

		var msgs []api.MessageView
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}

		for _, m := range msgs {
			label := colorize(colorBold, "you")
			if m.Role == string(storage.RoleAI) {
				label = colorize(colorGreen, "ai")
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt, label, m.Content)
		}
		return nil
	},
}

// --- rm ---

var rmCmd = &cobra.Command{
	Use:   "rm <document-id>",
	Short: "Delete a document, its vectors and its chat history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	docsCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	ingestCmd.Flags().Bool("retry", false, "retry a document in ERROR")
	ingestCmd.Flags().Bool("reingest", false, "rebuild a COMPLETED document")
	historyCmd.Flags().Int("limit", 50, "maximum number of messages to show")
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage local models",
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull the configured chat and embedding models into Ollama",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Provider.Kind != engine.KindOllama {
			printWarning("provider.kind is %q; only Ollama models can be pulled", cfg.Provider.Kind)
			return nil
		}

		eng, err := engine.Detect(engine.DetectConfig{
			Kind:       cfg.Provider.Kind,
			BaseURL:    cfg.Provider.BaseURL,
			ChatModel:  cfg.Provider.ChatModel,
			EmbedModel: cfg.Provider.EmbedModel,
		})
		if err != nil {
			return err
		}
		oe, ok := eng.(*engine.OllamaEngine)
		if !ok {
			return fmt.Errorf("provider %q cannot pull models", cfg.Provider.Kind)
		}

		chatModel, embedModel := oe.Models()
		if err := engine.EnsureReady(cmd.Context(), oe, os.Stderr, chatModel, embedModel); err != nil {
			return err
		}
		printSuccess("Models ready")
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsPullCmd)
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
		fmt.Printf("\n  file: %s\n", config.FilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Secrets (server.api_token, provider.openai_api_key) are read from the
environment only: SIACTA_API_TOKEN and SIACTA_OPENAI_API_KEY.`,
	Args: cobra.ExactArgs(2),
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
