// Command remotelink-inspect is a read-only MCP tool for poking at a
// running file server from an editor or agent: list a directory or stat a
// path, through the same wire protocol the Interceptor speaks. It offers no
// tool for reading file contents, and never exposes write, rename, or delete —
// those op codes don't exist on the wire to begin with.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/emoon/remotelink/internal/protocol"
)

// InspectConfig names the file server this tool talks to. Grounded on
// cmd/mcp's MCPConfig/LoadConfig load-or-create pattern.
type InspectConfig struct {
	ServerAddress string `yaml:"server_address"`
}

func loadOrCreateConfig(path string) (*InspectConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &InspectConfig{ServerAddress: fmt.Sprintf("localhost:%d", protocol.DefaultPort)}

		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create config directory: %w", err)
			}
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &InspectConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func addTools(s *server.MCPServer, cfg *InspectConfig) {
	statTool := mcp.NewTool("stat_path",
		mcp.WithDescription("Stat a path on the connected remotelink file server"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the served root")),
	)
	s.AddTool(statTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		client := newInspectClient(cfg.ServerAddress)
		defer client.Close()

		status, size, mtime, fileType, err := client.stat(path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if status != protocol.StatusOK {
			return mcp.NewToolResultError(fmt.Sprintf("stat %q: status %v", path, status)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf(
			"path=%s size=%d mtime=%d type=%d", path, size, mtime, fileType)), nil
	})

	listTool := mcp.NewTool("list_dir",
		mcp.WithDescription("List entries in a directory on the connected remotelink file server"),
		mcp.WithString("path", mcp.Description("Path relative to the served root; empty for the root itself")),
	)
	s.AddTool(listTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, _ := req.RequireString("path")

		client := newInspectClient(cfg.ServerAddress)
		defer client.Close()

		status, names, err := client.readDir(path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if status != protocol.StatusOK {
			return mcp.NewToolResultError(fmt.Sprintf("readdir %q: status %v", path, status)), nil
		}

		result := fmt.Sprintf("%d entries under %q:\n", len(names), path)
		for _, n := range names {
			result += fmt.Sprintf("- %s\n", n)
		}
		return mcp.NewToolResultText(result), nil
	})
}

func main() {
	configPath := "remotelink-inspect.yaml"
	if v := os.Getenv("REMOTELINK_INSPECT_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	s := server.NewMCPServer(
		"remotelink-inspect",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	addTools(s, cfg)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}
