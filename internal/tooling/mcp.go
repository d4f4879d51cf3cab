// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package tooling implements the Tool/Asset Plane: the external
// collaborator interface exposing open-call-panel, initiate-call,
// call-status and summarise-call as MCP tools, plus the static widget
// asset registry. Grounded on internal/agent/tool/mcp.MCPCaller's
// Name()/Tools() shape (generalized here from a local tool-caller registry
// to a full mark3labs/mcp-go server) and the mcp-go dependency.
package tooling

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/summary"
	"github.com/rapidaai/callassistant/internal/telephony"
)

// PanelDefaults carries the call-brief defaults surfaced by
// open-call-panel before any call is placed.
type PanelDefaults struct {
	DisplayNumber      string
	StudentName        string
	ParentName         string
	ParentRelationship string
	ParentNumberLabel  string
}

// Plane wires the session store, telephony control plane, and summary
// synthesizer into the MCP tool surface.
type Plane struct {
	store     *session.Store
	telephony *telephony.Plane
	summaries *summary.Synthesizer
	assets    *AssetRegistry
	defaults  PanelDefaults

	mcp *server.MCPServer
	sse *server.SSEServer
}

// New constructs the Tool/Asset Plane and registers its four operations
// plus the widget resource templates.
func New(store *session.Store, tel *telephony.Plane, synth *summary.Synthesizer, assets *AssetRegistry, defaults PanelDefaults) *Plane {
	p := &Plane{
		store:     store,
		telephony: tel,
		summaries: synth,
		assets:    assets,
		defaults:  defaults,
	}

	p.mcp = server.NewMCPServer("callassistant", "1.0.0")
	p.registerTools()
	p.registerResourceTemplates()

	p.sse = server.NewSSEServer(p.mcp,
		server.WithSSEEndpoint("/mcp"),
		server.WithMessageEndpoint("/mcp/messages"),
	)

	return p
}

// RegisterRoutes mounts the MCP SSE transport endpoints and the widget
// asset routes.
func (p *Plane) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/mcp", gin.WrapH(p.sse))
	engine.POST("/mcp/messages", gin.WrapH(p.sse))
	p.assets.RegisterRoutes(engine)
}

func (p *Plane) registerTools() {
	p.mcp.AddTool(
		mcp.NewTool("open-call-panel",
			mcp.WithDescription("Returns a call-panel descriptor the widget renders before any call is placed."),
			mcp.WithString("reasonSummary", mcp.Description("Short reason for the call")),
			mcp.WithString("contextFromChat", mcp.Description("Prior context from the chat host, if any")),
			mcp.WithString("absenceStats", mcp.Description("Absence statistics for the student, if any")),
		),
		p.handleOpenCallPanel,
	)

	p.mcp.AddTool(
		mcp.NewTool("initiate-call",
			mcp.WithDescription("Places an outbound call and returns the created session."),
			mcp.WithString("reasonSummary", mcp.Description("Short reason for the call"), mcp.Required()),
			mcp.WithString("contextFromChat", mcp.Description("Prior context from the chat host, if any")),
			mcp.WithString("absenceStats", mcp.Description("Absence statistics for the student, if any")),
			mcp.WithString("toNumber", mcp.Description("Destination number override")),
		),
		p.handleInitiateCall,
	)

	p.mcp.AddTool(
		mcp.NewTool("call-status",
			mcp.WithDescription("Returns the current status summary for a session."),
			mcp.WithString("sessionId", mcp.Required()),
		),
		p.handleCallStatus,
	)

	p.mcp.AddTool(
		mcp.NewTool("summarise-call",
			mcp.WithDescription("Returns the cached or freshly synthesized post-call summary."),
			mcp.WithString("sessionId", mcp.Required()),
		),
		p.handleSummariseCall,
	)
}

func (p *Plane) registerResourceTemplates() {
	template := mcp.NewResourceTemplate(
		"ui://widget/{widget}.html",
		"call-assistant-widget",
		mcp.WithTemplateDescription("Static HTML artifact for a call-assistant widget."),
		mcp.WithTemplateMIMEType("text/html"),
	)
	p.mcp.AddResourceTemplate(template, p.handleWidgetResource)
}

func (p *Plane) handleWidgetResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	widget := widgetNameFromURI(request.Params.URI)
	data, err := p.assets.Read(widget + ".html")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/html",
			Text:     string(data),
		},
	}, nil
}

func widgetNameFromURI(uri string) string {
	const prefix = "ui://widget/"
	const suffix = ".html"
	name := uri
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		name = name[:len(name)-len(suffix)]
	}
	return name
}

// callPanelDescriptor is the structured-content payload for
// open-call-panel.
type callPanelDescriptor struct {
	SessionID          *string `json:"sessionId"`
	DisplayNumber      string  `json:"displayNumber"`
	StudentName        string  `json:"studentName"`
	ParentName         string  `json:"parentName"`
	ParentRelationship string  `json:"parentRelationship"`
	ParentNumberLabel  string  `json:"parentNumberLabel"`
	Status             string  `json:"status"`
	LogsWSURL          *string `json:"logsWsUrl"`
	ReconnectSinceSeq  int     `json:"reconnectSinceSeq"`
	ReasonSummary      string  `json:"reasonSummary"`
	ContextFromChat    string  `json:"contextFromChat"`
	AbsenceStats       string  `json:"absenceStats"`
}

func (p *Plane) handleOpenCallPanel(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descriptor := callPanelDescriptor{
		DisplayNumber:      p.defaults.DisplayNumber,
		StudentName:        p.defaults.StudentName,
		ParentName:         p.defaults.ParentName,
		ParentRelationship: p.defaults.ParentRelationship,
		ParentNumberLabel:  p.defaults.ParentNumberLabel,
		Status:             string(session.StatusReady),
		ReconnectSinceSeq:  0,
		ReasonSummary:      request.GetString("reasonSummary", ""),
		ContextFromChat:    request.GetString("contextFromChat", ""),
		AbsenceStats:       request.GetString("absenceStats", ""),
	}
	return structuredResult(descriptor, "call-panel")
}

func (p *Plane) handleInitiateCall(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	brief := &session.CallBrief{
		ReasonSummary:   request.GetString("reasonSummary", ""),
		ContextFromChat: request.GetString("contextFromChat", ""),
		AbsenceStats:    request.GetString("absenceStats", ""),
	}
	result := p.telephony.StartOutboundCall(brief, request.GetString("toNumber", ""))
	return structuredResult(result, "call-panel")
}

func (p *Plane) handleCallStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("sessionId", "")
	summ := p.store.GetSummary(sessionID)
	if summ == nil {
		return structuredResult(map[string]bool{"found": false}, "call-panel")
	}
	return structuredResult(summ, "call-panel")
}

func (p *Plane) handleSummariseCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("sessionId", "")
	result := p.summaries.Get(ctx, sessionID)
	if !result.Found {
		return structuredResult(map[string]bool{"found": false}, "summary")
	}
	return structuredResult(result.Summary, "summary")
}

// structuredResult builds the {content, structuredContent, _meta} shape
// expected from every tool call, serializing payload as both the
// textual fallback and the structured body.
func structuredResult(payload any, widget string) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	result := mcp.NewToolResultText(string(text))
	result.StructuredContent = payload
	result.Meta = &mcp.Meta{
		AdditionalFields: map[string]any{
			"outputTemplate": widgetResourceURI(widget),
		},
	}
	return result, nil
}
