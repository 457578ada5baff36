// Package templates exposes the embedded default configuration templates.
// It lives at the module root so go:embed can reach the sibling files.
package templates

import _ "embed"

// Shaper is the default FireQOS template. Placeholders: %UPLINK%,
// %LINK_SPEED%, %LOCAL_NETWORKS% and %TENANT_CLASSES%.
//
//go:embed shaper.conf.tmpl
var Shaper string
