// Package setup registers the intake MCP server with desktop MCP clients.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ServerName is the key the intake server is registered under
const ServerName = "mediguard-intake"

// ClientConfig is the desktop client's configuration file. Keys other
// than mcpServers are preserved on save.
type ClientConfig struct {
	MCPServers map[string]ServerEntry `json:"mcpServers"`
	extra      map[string]json.RawMessage
}

// ServerEntry represents a single MCP server launch command
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options describes how the server should be launched
type Options struct {
	BinaryPath string
	ConfigFile string
	Env        map[string]string
}

// DefaultClientConfigPath returns the desktop client's config file path
// for the current OS
func DefaultClientConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			configDir = filepath.Join(xdg, "Claude")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	return filepath.Join(configDir, "claude_desktop_config.json"), nil
}

// LoadClientConfig reads the client configuration. A missing file yields
// an empty configuration.
func LoadClientConfig(path string) (*ClientConfig, error) {
	config := &ClientConfig{
		MCPServers: make(map[string]ServerEntry),
		extra:      make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &config.extra); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw, ok := config.extra["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &config.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		delete(config.extra, "mcpServers")
	}
	if config.MCPServers == nil {
		config.MCPServers = make(map[string]ServerEntry)
	}
	return config, nil
}

// SaveClientConfig writes the configuration, creating its directory
func SaveClientConfig(path string, config *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	doc := make(map[string]interface{}, len(config.extra)+1)
	for k, v := range config.extra {
		doc[k] = v
	}
	doc["mcpServers"] = config.MCPServers

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Register adds or replaces the intake server entry in the client config
// at path. It reports whether an existing entry was replaced.
func Register(path string, opts Options) (bool, error) {
	binary := opts.BinaryPath
	if binary == "" {
		found, err := FindBinary("intake-mcp")
		if err != nil {
			return false, err
		}
		binary = found
	}

	config, err := LoadClientConfig(path)
	if err != nil {
		return false, err
	}

	entry := ServerEntry{Command: binary}
	if opts.ConfigFile != "" {
		abs, err := filepath.Abs(opts.ConfigFile)
		if err != nil {
			return false, fmt.Errorf("failed to resolve config path: %w", err)
		}
		entry.Args = []string{"-config", abs}
	}
	if len(opts.Env) > 0 {
		entry.Env = opts.Env
	}

	_, replaced := config.MCPServers[ServerName]
	config.MCPServers[ServerName] = entry
	return replaced, SaveClientConfig(path, config)
}

// Status reports whether the client config at path launches a binary
// that exists
type Status struct {
	ConfigPath string   `json:"config_path"`
	Registered bool     `json:"registered"`
	Command    string   `json:"command,omitempty"`
	Issues     []string `json:"issues"`
}

// GetStatus inspects the client config at path
func GetStatus(path string) (*Status, error) {
	config, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}

	status := &Status{ConfigPath: path, Issues: []string{}}
	entry, ok := config.MCPServers[ServerName]
	if !ok {
		status.Issues = append(status.Issues, "intake server is not registered")
		return status, nil
	}

	status.Registered = true
	status.Command = entry.Command
	info, err := os.Stat(entry.Command)
	switch {
	case err != nil:
		status.Issues = append(status.Issues, fmt.Sprintf("Server binary not found: %s", entry.Command))
	case info.Mode()&0111 == 0:
		status.Issues = append(status.Issues, fmt.Sprintf("Server binary is not executable: %s", entry.Command))
	}
	return status, nil
}

// FindBinary looks for name on PATH and in the usual build locations
func FindBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	locations := []string{
		"./" + name,
		"./bin/" + name,
		filepath.Join(os.Getenv("HOME"), ".local", "bin", name),
		"/usr/local/bin/" + name,
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			if abs, err := filepath.Abs(loc); err == nil {
				return abs, nil
			}
			return loc, nil
		}
	}
	return "", fmt.Errorf("binary '%s' not found in common locations", name)
}
