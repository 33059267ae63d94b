package main

import (
	"embed"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"mcuflasher/internal/config"
	"mcuflasher/internal/logging"
)

//go:embed all:frontend/dist
var assets embed.FS

// profilePath is the desktop profile, kept in the user's config directory.
func profilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mcuflasher", "profile.yaml")
}

func loadProfile(path string) *config.Profile {
	if path == "" {
		return config.Default()
	}
	p, err := config.Load(path)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			logrus.WithError(err).Warn("profile ignored, using defaults")
		}
		return config.Default()
	}
	return p
}

func main() {
	path := profilePath()
	profile := loadProfile(path)
	closer, err := logging.Setup(profile.LogLevel, profile.LogFile)
	if err != nil {
		logrus.WithError(err).Warn("logging setup")
	}
	defer closer.Close()

	// Create an instance of the app structure
	app := NewApp(profile, path)

	// Create application with options
	err = wails.Run(&options.App{
		Title:  "MCU Flasher",
		Width:  900,
		Height: 800,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 102, G: 126, B: 234, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []any{
			app,
		},
	})
	if err != nil {
		println("Error:", err.Error())
	}
}
