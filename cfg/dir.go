package cfg

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/akitasoftware/pipedge/printer"
)

var (
	cfgDir string
)

// Dir returns the pipedge config directory ($HOME/.pipedge), creating it
// on first call if necessary. The codebase cache directory lives under it.
func Dir() string {
	if cfgDir == "" {
		initCfgDir()
	}
	return cfgDir
}

// CodebaseCacheDir returns the path of the codebase cache subdirectory,
// standing in for the out-of-scope code repository store's local mirror.
// It does not create the directory, and nothing in this module (watch()
// included) reads or writes it.
func CodebaseCacheDir() string {
	return filepath.Join(Dir(), "codebase-cache")
}

func initCfgDir() {
	home, err := homedir.Dir()
	if err != nil {
		printer.Stderr.Warningf("Failed to find $HOME, defaulting to '.', error: %v", err)
		home = "."
	}
	cfgDir = filepath.Join(home, ".pipedge")

	if stat, err := os.Stat(cfgDir); os.IsNotExist(err) {
		// Create the directory if it doesn't exist.
		if err := os.Mkdir(cfgDir, 0700); err != nil {
			printer.Stderr.Warningf("Failed to create config directory %s, persistent config will not work, error: %v\n", cfgDir, err)
		}
	} else if err != nil {
		printer.Stderr.Errorf("Failed to stat %s: %v\n", cfgDir, err)
		os.Exit(1)
	} else if !stat.IsDir() {
		printer.Stderr.Errorf("%s is not a directory, please remove.\n", cfgDir)
		os.Exit(1)
	}
}
