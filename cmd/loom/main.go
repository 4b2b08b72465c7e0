package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v5"
	chromem "github.com/philippgille/chromem-go"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/loomworks/loom/assistant"
	"github.com/loomworks/loom/plugin/mcpserver"
	"github.com/loomworks/loom/plugin/vectorstore"
	"github.com/loomworks/loom/server/auth"
	apiv1 "github.com/loomworks/loom/server/router/api/v1"
	"github.com/loomworks/loom/server/profile"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/store/db/mysql"
	"github.com/loomworks/loom/store/db/postgres"
	"github.com/loomworks/loom/store/db/sqlite"
)

const systemMessage = `You are a helpful conversation assistant with memory.
Earlier relevant messages from this conversation are included before the
user's message; use them for continuity. When the user states a goal they
want tracked, restate it on its own line as:
USER_OBJECTIVE: <the goal>`

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Conversation orchestration backend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the assistant's tools over MCP stdio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, _, _, asst, err := setup()
		if err != nil {
			return err
		}
		return mcpserver.ServeStdio(mcpserver.New("loom", "1.0.0", asst.Registry()))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*profile.Profile, *store.Store, *vectorstore.Index, *assistant.Assistant[assistant.NoContext], error) {
	_ = godotenv.Load()

	p, err := profile.FromEnv()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler))

	var driver store.Driver
	switch p.Driver {
	case "mysql":
		driver, err = mysql.NewDB(p.DSN)
	case "postgres":
		driver, err = postgres.NewDB(p.DSN)
	default:
		driver, err = sqlite.NewDB(p.DSN)
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}
	st := store.New(driver)
	if err := st.Migrate(context.Background()); err != nil {
		return nil, nil, nil, nil, err
	}

	embedFn := chromem.NewEmbeddingFuncOpenAICompat(p.AIBaseURL, p.AIAPIKey, p.EmbedModel, nil)
	index, err := vectorstore.New(p.Data, embedFn)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	llm, err := openai.New(
		openai.WithToken(p.AIAPIKey),
		openai.WithBaseURL(p.AIBaseURL),
		openai.WithModel(p.AIModel),
		openai.WithEmbeddingModel(p.EmbedModel),
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	asst, err := assistant.New[assistant.NoContext](assistant.Config[assistant.NoContext]{
		Title:         "New Conversation",
		Model:         p.AIModel,
		SystemMessage: systemMessage,
		Tools:         []*assistant.Tool{searchHistoryTool(index)},
	}, assistant.Deps{
		Model:    llm,
		Embedder: assistant.Embedder(embedFn),
		Store:    st,
		Index:    index,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return p, st, index, asst, nil
}

func runServe(ctx context.Context) error {
	p, st, index, asst, err := setup()
	if err != nil {
		return err
	}
	defer st.Close()

	e := echo.New()
	svc := &apiv1.APIV1Service{
		Profile:   p,
		Store:     st,
		Index:     index,
		Assistant: asst,
		Auth:      auth.NewStaticTokenAuthenticator(p.Tokens),
	}
	svc.RegisterRoutes(e)

	addr := fmt.Sprintf("%s:%d", p.Addr, p.Port)
	slog.Info("server started", "addr", addr, "driver", p.Driver, "model", p.AIModel)
	srv := &http.Server{Addr: addr, Handler: e}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// searchHistoryTool lets the model search earlier messages of the current
// conversation semantically. The thread is bound per turn by the
// orchestrator; an explicit thread_id argument is only honored when no turn
// is in flight (the MCP surface).
func searchHistoryTool(index *vectorstore.Index) *assistant.Tool {
	return &assistant.Tool{
		Name:        "search_history",
		Description: "Search earlier messages in this conversation for relevant context. Use for questions that refer to something discussed before.",
		Kind:        assistant.ToolKindRead,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "The search query"},
			},
			"required": []any{"query"},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			threadID, ok := assistant.ThreadUIDFromContext(ctx)
			if !ok {
				threadID, _ = args["thread_id"].(string)
			}
			if threadID == "" {
				return nil, fmt.Errorf("no conversation thread to search")
			}
			query, _ := args["query"].(string)
			hits, err := index.SearchSimilar(ctx, threadID, query, 0, 5)
			if err != nil {
				return nil, err
			}
			if len(hits) == 0 {
				return "No relevant messages found.", nil
			}
			var sb strings.Builder
			for i, h := range hits {
				preview := h.Content
				if len(preview) > 400 {
					preview = preview[:400] + "..."
				}
				fmt.Fprintf(&sb, "[%d] %s (score %.2f):\n%s\n\n", i+1, h.Role, h.Score, preview)
			}
			return sb.String(), nil
		},
	}
}
