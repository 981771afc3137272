// Package backend keeps the registry of compute device backends.
//
// Backends register a Factory from an init() function and are opened by
// name at runtime. Importing a backend package registers it:
//
//	import _ "github.com/gogpu/gpugraph/backend/software"
//
// # Backend Selection
//
// Use OpenDefault to open the best available device, or Open to request
// a specific backend by name:
//
//	dev, err := backend.OpenDefault()
//
//	// Or request a specific backend
//	dev, err := backend.Open(backend.BackendSoftware)
//
// Priority order is hal, then software.
package backend
