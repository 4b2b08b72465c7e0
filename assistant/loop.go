package assistant

import (
	"context"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/apperr"
)

// runToolLoop drives invoke → execute rounds until the model stops requesting
// tools. Tool executions within one round run concurrently; the tool-response
// messages are appended in the order of the originating tool-call list, not
// completion order. Exceeding the configured round cap is a fatal
// orchestration error.
func (a *Assistant[T]) runToolLoop(ctx context.Context, history []llms.MessageContent) (*invokeResult, changeSet, error) {
	var agg changeSet
	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		result, err := a.invokeModel(ctx, history)
		if err != nil {
			return nil, agg, err
		}
		if len(result.ToolCalls) == 0 {
			return result, agg, nil
		}

		// Record the assistant turn that requested the calls.
		parts := make([]llms.ContentPart, 0, len(result.ToolCalls)+1)
		if result.Message != "" {
			parts = append(parts, llms.TextContent{Text: result.Message})
		}
		for _, tc := range result.ToolCalls {
			parts = append(parts, tc)
		}
		history = append(history, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})

		// Resolve and validate every call before executing any. Resolution
		// and validation failures abort the turn; execution failures are
		// contained per call.
		type pendingCall struct {
			call llms.ToolCall
			tool *Tool
			args map[string]any
		}
		pending := make([]pendingCall, 0, len(result.ToolCalls))
		for _, tc := range result.ToolCalls {
			tool, err := a.registry.Resolve(tc.FunctionCall.Name)
			if err != nil {
				return nil, agg, err
			}
			args, err := tool.ValidateArgs(tc.FunctionCall.Arguments)
			if err != nil {
				return nil, agg, err
			}
			a.log.Info("tool call", "tool", tool.Name, "input", tc.FunctionCall.Arguments)
			pending = append(pending, pendingCall{call: tc, tool: tool, args: args})
		}

		payloads := make([]string, len(pending))
		sets := make([]changeSet, len(pending))
		g, gctx := errgroup.WithContext(ctx)
		for i := range pending {
			g.Go(func() error {
				payloads[i], sets[i] = pending[i].tool.call(gctx, pending[i].args)
				return nil
			})
		}
		// Tool errors are contained in their payloads, the group never fails.
		_ = g.Wait()

		for i, p := range pending {
			agg.merge(sets[i])
			a.log.Info("tool result", "tool", p.tool.Name, "result", payloads[i])
			history = append(history, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: p.call.ID,
					Name:       p.tool.Name,
					Content:    payloads[i],
				}},
			})
		}
	}
	return nil, agg, apperr.New(apperr.InternalError, "tool resolution exceeded %d rounds", a.cfg.MaxToolRounds)
}
