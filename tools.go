//go:build tools

// Go-based tools invoked via `go generate` are tracked here so their
// versions live in go.mod.
package contentrelay

import (
	_ "go.uber.org/mock/mockgen"
)
