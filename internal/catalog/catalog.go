// Package catalog is the capability catalog served behind a provider: an
// MCP server whose tools are reached through any transport.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	validator "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// FeatureTools is advertised when the catalog has at least one tool.
const FeatureTools = "tools"

// Handler answers wire messages. The bool is false when there is nothing to
// send back, as for notifications.
type Handler interface {
	Handle(ctx context.Context, m wire.Message) (wire.Message, bool)
}

// Tool describes one tool. Args is a pointer to the argument struct; its
// JSON schema is reflected once when the tool is added.
type Tool struct {
	Name        string
	Description string
	Args        any
	Run         func(ctx context.Context, args json.RawMessage) (string, error)
}

// MCP is a catalog backed by an mcp-go server.
type MCP struct {
	name    string
	version string
	srv     *server.MCPServer

	mu    sync.RWMutex
	tools []string
}

// New returns an empty catalog.
func New(name, version string) *MCP {
	return &MCP{
		name:    name,
		version: version,
		srv:     server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
	}
}

// NewDefault returns a catalog with the built-in tools.
func NewDefault(name, version string) *MCP {
	c := New(name, version)
	if err := c.AddTool(EchoTool()); err != nil {
		panic(err)
	}
	return c
}

// Schema reflects the JSON schema of v, which must be a struct pointer.
func Schema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	return json.Marshal(r.Reflect(v))
}

func compile(name string, schema json.RawMessage) (*validator.Schema, error) {
	doc, err := validator.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	c := validator.NewCompiler()
	loc := "mem://tools/" + name + ".json"
	if err := c.AddResource(loc, doc); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}

// AddTool registers t. Arguments are validated against the reflected schema
// before Run is called; a validation failure is a tool error result.
func (c *MCP) AddTool(t Tool) error {
	schema, err := Schema(t.Args)
	if err != nil {
		return fmt.Errorf("tool %s: reflect schema: %w", t.Name, err)
	}
	sch, err := compile(t.Name, schema)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}
	run := t.Run
	c.srv.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, schema), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		inst, err := validator.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := sch.Validate(inst); err != nil {
			logx.Log.Debug().Err(err).Str("tool", req.Params.Name).Msg("tool arguments rejected")
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}
		out, err := run(ctx, raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	})
	c.mu.Lock()
	c.tools = append(c.tools, t.Name)
	sort.Strings(c.tools)
	c.mu.Unlock()
	return nil
}

// Tools returns the registered tool names, sorted.
func (c *MCP) Tools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.tools...)
}

// Capabilities returns the descriptor handed out during discovery.
func (c *MCP) Capabilities() wire.Capabilities {
	caps := wire.Capabilities{
		Identity:        wire.Identity{Name: c.name, Version: c.version},
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
	}
	if len(c.Tools()) > 0 {
		caps.FeatureFlags = []string{FeatureTools}
	}
	return caps
}

// Handle implements Handler.
func (c *MCP) Handle(ctx context.Context, m wire.Message) (wire.Message, bool) {
	raw, err := m.Strip().Encode()
	if err != nil {
		return replyError(m, wire.CodeInternalError, err.Error())
	}
	out := c.srv.HandleMessage(ctx, raw)
	if out == nil || m.Kind() != wire.KindRequest {
		return wire.Message{}, false
	}
	b, err := json.Marshal(out)
	if err != nil {
		return replyError(m, wire.CodeInternalError, err.Error())
	}
	resp, err := wire.Parse(b)
	if err != nil {
		return replyError(m, wire.CodeInternalError, err.Error())
	}
	return resp, true
}

func replyError(m wire.Message, code int, msg string) (wire.Message, bool) {
	if m.Kind() != wire.KindRequest {
		return wire.Message{}, false
	}
	return wire.NewError(m.ID, code, msg), true
}
