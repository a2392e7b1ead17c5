package cmd

import (
	"fmt"

	"grimm.is/mwand/internal/config"
)

// RunCheck validates a configuration file without touching the system.
func RunCheck(configFile string) error {
	if configFile == "" {
		configFile = DefaultConfigFile()
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	fmt.Printf("%s: OK (%d uplinks, %d policies, startup policy %q)\n",
		configFile, len(cfg.Uplinks), len(cfg.Policies), cfg.Global.Policy)
	return nil
}
