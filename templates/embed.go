// Package templates embeds the default config and example post descriptor
// that postwatch init seeds a fresh data directory with.
package templates

import "embed"

//go:embed config.yaml post.yaml
var FS embed.FS
