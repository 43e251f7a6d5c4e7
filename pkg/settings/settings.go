package settings

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Settings holds persistable user preferences for both the relay and
// the client application.
type Settings struct {
	ServerURL  string `toml:"server_url"`  // relay websocket endpoint
	ListenAddr string `toml:"listen_addr"` // relay listen address (server mode)
	Username   string `toml:"username"`

	TURNServer string `toml:"turn_server"`
	TURNUser   string `toml:"turn_user"`
	TURNPass   string `toml:"turn_pass"`
	ForceRelay bool   `toml:"force_relay"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		ServerURL:  "ws://localhost:8080/ws",
		ListenAddr: ":8080",
	}
}

// getConfigPath returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config dir.
func getConfigPath() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "shortcut-launcher")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "shortcut-launcher")
	}

	return filepath.Join(configDir, "config.toml"), nil
}

// Load reads settings from the config file.
// Returns default settings if the file doesn't exist or is invalid.
func Load() (Settings, error) {
	settings := DefaultSettings()

	path, err := getConfigPath()
	if err != nil {
		return settings, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist - use defaults, not an error
			return settings, nil
		}
		return settings, err
	}

	if err := toml.Unmarshal(data, &settings); err != nil {
		// Invalid TOML - use defaults
		return DefaultSettings(), nil
	}

	return settings, nil
}

// Save writes settings to the config file.
func Save(settings Settings) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(settings)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
