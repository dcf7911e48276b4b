package web

import "embed"

// FS holds the control page served at /.
//
//go:embed index.html
var FS embed.FS
