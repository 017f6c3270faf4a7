package semconv

import "embed"

// modelFS holds the built-in test conventions.
//
//go:embed model
var modelFS embed.FS
