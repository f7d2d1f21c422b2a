// Package mcp exposes the clinical intake over the Model Context Protocol
// so an assistant can list fields, validate values, request predictions
// and audit the prediction history.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/history"
	"github.com/mediguard-intake/internal/registry"
)

// HistoryVerifier walks the prediction history chain
type HistoryVerifier interface {
	VerifyHistory(ctx context.Context) (*history.VerifyResult, error)
}

// Server represents the intake MCP server
type Server struct {
	mcpServer *mcp.Server
	predictor domain.Predictor
	verifier  HistoryVerifier
	registry  *registry.Registry
	userID    string
	timeout   time.Duration
	logger    *logrus.Logger
}

// Dependencies groups what NewServer needs
type Dependencies struct {
	Config    *domain.Config
	Predictor domain.Predictor
	Verifier  HistoryVerifier
	Registry  *registry.Registry
	Logger    *logrus.Logger
}

// NewServer creates a new MCP server instance with every tool registered
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if deps.Predictor == nil {
		return nil, fmt.Errorf("predictor is required")
	}
	if deps.Registry == nil {
		deps.Registry = registry.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	cfg := deps.Config.MCP
	name := cfg.ServerName
	if name == "" {
		name = "mediguard-intake"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "v0.1.0"
	}
	userID := cfg.DefaultUserID
	if userID == "" {
		userID = "mcp-client"
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		predictor: deps.Predictor,
		verifier:  deps.Verifier,
		registry:  deps.Registry,
		userID:    userID,
		timeout:   deps.Config.Intake.OperationTimeout,
		logger:    deps.Logger,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        toolListFields,
		Description: "List the clinical features the prediction model needs, with units and accepted ranges.",
	}, s.handleListFields)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        toolValidateField,
		Description: "Check one raw value against a clinical field's accepted range. The field may be given by key, label or a common abbreviation.",
	}, s.handleValidateField)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        toolPredictDisease,
		Description: "Predict the most likely condition from all clinical features. Every field must be present and within range.",
	}, s.handlePredictDisease)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        toolVerifyHistory,
		Description: "Recompute the prediction history hash chain and report any tampered or missing entries.",
	}, s.handleVerifyHistory)

	s.logger.WithField("tool_count", 4).Info("Registered MCP tools")
}

// Run serves the MCP protocol over stdin and stdout until ctx is cancelled
// or the client disconnects
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MediGuard intake MCP server...")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// createErrorResult reports a tool failure to the client without failing
// the protocol exchange
func (s *Server) createErrorResult(message string, err error) *mcp.CallToolResult {
	text := message
	if err != nil {
		text = fmt.Sprintf("%s: %v", message, err)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// textResult renders v as indented JSON after a one-line summary
func textResult(summary string, v interface{}) *mcp.CallToolResult {
	text := summary
	if data, err := json.MarshalIndent(v, "", "  "); err == nil {
		text = summary + "\n" + string(data)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
