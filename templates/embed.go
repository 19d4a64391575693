// Package templates embeds the files written by conductor init.
package templates

import "embed"

//go:embed config.yaml tools.toml
var FS embed.FS
