// Package policy gates convergence with Open Policy Agent.
//
// After input validation and before any action runs, the engine evaluates
// each loaded Rego module against the declared resources:
//
//	{"resources": [{"id": "File[/etc/motd]", "type": "File", "name": "/etc/motd",
//	                "actions": ["create"], "attributes": {"mode": "0644"},
//	                "not_if": {"kind": "shell", "command": "..."}}]}
//
// A module contributes findings through two set rules in its package:
// "deny" for errors and "warn" for warnings. Elements are either strings or
// objects with "resource" and "message":
//
//	package site.motd
//
//	import rego.v1
//
//	deny contains {"resource": r.id, "message": "motd is managed by the image"} if {
//	    some r in input.resources
//	    r.id == "File[/etc/motd]"
//	}
//
// Built-in policies reject world-writable modes and relative paths on File,
// Directory and Link resources, and warn about Execute resources with no
// guard and no "creates" attribute.
//
// Engine.Gate adapts the engine to kitchen.WithGate. Error violations are
// reported together as a single POLICY_DENIED user error.
package policy
