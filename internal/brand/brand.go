// Package brand provides centralized naming constants for the daemon.
// The identity is loaded from brand.json at compile time via go:embed so
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultLogDir    string `json:"defaultLogDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	ConfigFileName   string `json:"configFileName"`
	SocketName       string `json:"socketName"`
	BinaryName       string `json:"binaryName"`
	TableName        string `json:"tableName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultLogDir = b.DefaultLogDir
	DefaultRunDir = b.DefaultRunDir
	ConfigFileName = b.ConfigFileName
	SocketName = b.SocketName
	BinaryName = b.BinaryName
	TableName = b.TableName
}

// Exported identity values, populated from brand.json.
var (
	Name             string
	LowerName        string
	Description      string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultLogDir    string
	DefaultRunDir    string
	ConfigFileName   string
	SocketName       string
	BinaryName       string
	TableName        string
)

// GetRunDir returns the runtime directory, honoring MWAND_RUN_DIR for tests.
func GetRunDir() string {
	if dir := os.Getenv("MWAND_RUN_DIR"); dir != "" {
		return dir
	}
	return DefaultRunDir
}

// GetLogDir returns the log directory, honoring MWAND_LOG_DIR.
func GetLogDir() string {
	if dir := os.Getenv("MWAND_LOG_DIR"); dir != "" {
		return dir
	}
	return DefaultLogDir
}

// SocketPath returns the control socket path.
func SocketPath() string {
	return filepath.Join(GetRunDir(), SocketName)
}

// PIDFilePath returns the daemon PID file path.
func PIDFilePath() string {
	return filepath.Join(GetRunDir(), LowerName+".pid")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, ConfigFileName)
}
