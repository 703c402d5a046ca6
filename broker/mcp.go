package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/roundtable/registry"
)

// RegisterMCP registers the roundtable tools on an MCP server, so an agent
// can drive the broadcast loop over stdio.
func (b *Broker) RegisterMCP(srv *mcp.Server) {
	b.registerBroadcastTool(srv)
	b.registerSendTool(srv)
	b.registerResponseTool(srv)
	b.registerStatusTool(srv)
	b.registerNewConversationTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// addTool wires a decode + endpoint pair into the SDK's handler shape.
// Endpoint errors become tool errors, never protocol errors.
func addTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		resp, err := endpoint(ctx, &r)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- broadcast ---

type broadcastReq struct {
	Prompt  string   `json:"prompt"`
	Targets []string `json:"targets"`
}

func (b *Broker) registerBroadcastTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "roundtable_broadcast",
		Description: "Send one prompt to several AI chat tabs at once. Empty targets = all registered targets.",
		InputSchema: inputSchema(map[string]any{
			"prompt":  map[string]any{"type": "string", "description": "The prompt to broadcast"},
			"targets": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, []string{"prompt"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *broadcastReq) (any, error) {
		targets := make([]registry.Target, 0, len(r.Targets))
		for _, t := range r.Targets {
			targets = append(targets, registry.Target(t))
		}
		results := b.Broadcast(ctx, r.Prompt, targets)
		out := make(map[string]SendResult, len(results))
		for target, res := range results {
			out[string(target)] = res
		}
		return out, nil
	})
}

// --- send ---

type sendReq struct {
	Target string `json:"target"`
	Prompt string `json:"prompt"`
}

func (b *Broker) registerSendTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "roundtable_send",
		Description: "Send a prompt to one AI chat tab.",
		InputSchema: inputSchema(map[string]any{
			"target": map[string]any{"type": "string", "description": "Target id, e.g. claude, chatgpt"},
			"prompt": map[string]any{"type": "string"},
		}, []string{"target", "prompt"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *sendReq) (any, error) {
		id, err := b.Send(ctx, registry.Target(r.Target), r.Prompt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	})
}

// --- get_response ---

type responseReq struct {
	Target   string `json:"target"`
	Markdown bool   `json:"markdown"`
}

func (b *Broker) registerResponseTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "roundtable_get_response",
		Description: "Read the newest reply from one AI chat tab, falling back to the last persisted capture.",
		InputSchema: inputSchema(map[string]any{
			"target":   map[string]any{"type": "string"},
			"markdown": map[string]any{"type": "boolean", "description": "Also return the reply as markdown"},
		}, []string{"target"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *responseReq) (any, error) {
		return b.GetResponse(ctx, registry.Target(r.Target), r.Markdown)
	})
}

// --- status ---

func (b *Broker) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "roundtable_status",
		Description: "Probe the liveness of every registered AI chat tab.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, _ *struct{}) (any, error) {
		return b.Status(ctx), nil
	})
}

// --- new_conversation ---

type newConversationReq struct {
	Target string `json:"target"`
}

func (b *Broker) registerNewConversationTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "roundtable_new_conversation",
		Description: "Start a fresh conversation thread in one AI chat tab.",
		InputSchema: inputSchema(map[string]any{
			"target": map[string]any{"type": "string"},
		}, []string{"target"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *newConversationReq) (any, error) {
		if err := b.NewConversation(ctx, registry.Target(r.Target)); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}
