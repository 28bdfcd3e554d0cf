// Package web embeds the status server's dashboard.
//
// The dashboard is a single page that polls /status and follows the /ws
// event feed. A directory on disk can stand in for the embedded copy while
// editing it.
package web

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed dist/*
var assets embed.FS

// Assets returns the dashboard files with index.html at the root. When
// devPath names an existing directory it is served live instead of the
// embedded copy.
func Assets(devPath string) fs.FS {
	if devPath != "" {
		if stat, err := os.Stat(devPath); err == nil && stat.IsDir() {
			return os.DirFS(devPath)
		}
	}

	sub, err := fs.Sub(assets, "dist")
	if err != nil {
		panic("failed to access embedded web assets: " + err.Error())
	}
	return sub
}
