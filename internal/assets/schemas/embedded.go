// Package schemasassets provides embedded JSON schemas so validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobManifestSchema is the embedded job-manifest JSON schema.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
