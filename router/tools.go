package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/localrivet/mcprpc/protocol"
)

// ToolFunc executes a tool call with its raw arguments.
type ToolFunc func(ctx context.Context, cc *ConnContext, args json.RawMessage) (*protocol.CallToolResult, error)

type registeredTool struct {
	tool protocol.Tool
	fn   ToolFunc
}

// ToolSet is a registry of tools served through tools/list and tools/call.
type ToolSet struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewToolSet returns an empty ToolSet.
func NewToolSet() *ToolSet {
	return &ToolSet{tools: make(map[string]registeredTool)}
}

// Add registers a tool. Registering an existing name replaces it.
func (s *ToolSet) Add(tool protocol.Tool, fn ToolFunc) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}
	if tool.InputSchema.Type == "" {
		tool.InputSchema.Type = "object"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = registeredTool{tool: tool, fn: fn}
	return nil
}

// List returns the registered tools sorted by name.
func (s *ToolSet) List() []protocol.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]protocol.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Register installs the tools/list and tools/call handlers on m.
func (s *ToolSet) Register(m *Mux) {
	m.HandleFunc(protocol.MethodListTools, func(context.Context, *ConnContext, json.RawMessage) (any, error) {
		return protocol.ListToolsResult{Tools: s.List()}, nil
	})
	m.HandleFunc(protocol.MethodCallTool, s.call)
}

func (s *ToolSet) call(ctx context.Context, cc *ConnContext, params json.RawMessage) (any, error) {
	var p protocol.CallToolParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	s.mu.RLock()
	t, ok := s.tools[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, protocol.NewInvalidParamsError(fmt.Sprintf("unknown tool: %s", p.Name))
	}

	result, err := t.fn(ctx, cc, p.Arguments)
	if err != nil {
		if _, isProtocolErr := protocol.AsMCPError(err); isProtocolErr {
			return nil, err
		}
		// Tool failures are reported in the result so the model can see them.
		return &protocol.CallToolResult{
			Content: []protocol.TextContent{protocol.NewTextContent(err.Error())},
			IsError: true,
		}, nil
	}
	if result == nil {
		result = &protocol.CallToolResult{Content: []protocol.TextContent{}}
	}
	return result, nil
}
