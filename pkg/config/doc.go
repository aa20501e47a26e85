// Package config holds the run-time configuration tree and the CUE parser for
// cookbook metadata.
//
// # Config tree
//
// A Tree is a nested map addressed by dotted paths. Update merges a set of
// dotted keys, creating intermediate nodes as needed:
//
//	t := config.NewTree()
//	_ = t.Update(map[string]any{"nginx.port": 80}, true)
//	_ = t.Update(map[string]any{"nginx.port": 8080}, false) // kept at 80
//	port, _ := t.Get("nginx.port")
//
// Updating through an intermediate segment that holds a non-node value
// leaves the tree untouched and returns a *PathConflictError. Get on an
// absent path returns a *MissingKeyError. Lookup reports how far a path
// resolved, which input validation uses to tell the user where a missing
// parameter should live.
//
// # Cookbook metadata
//
// Cookbooks describe themselves in metadata.cue:
//
//	description: "nginx web server"
//	config: {
//	    "nginx.port": {default: 80, description: "listen port"}
//	}
//	recipes: default: {
//	    "nginx.server_name": {mandatory: true}
//	}
//	loader: "setup"
//	providers: Vhost: {name: "vhost", module: "providers/vhost.wasm"}
//
// CUEParser unifies the file with the built-in #Metadata schema, decodes it
// into a Metadata value and checks the struct tags with validator. Errors
// carry file, line and column.
//
// The schema registry also holds #Resource, which state loading uses to
// validate serialized resource declarations.
package config
