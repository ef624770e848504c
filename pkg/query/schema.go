package query

import _ "embed"

// Schema creates the follow relations and public account descriptions the
// base-node statements join against. Graph node tables are loaded per
// graph version by the layout pipeline and are not part of it.
//
//go:embed schema.sql
var Schema string
