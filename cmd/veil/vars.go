package cli

import (
	"github.com/neboloop/veil/internal/config"
)

// Shared CLI flags
var (
	cfgFile   string
	openNames []string
	seedFlag  int
	jsonOut   bool
)

// loaded is the configuration resolved in PersistentPreRunE.
var loaded config.Config
