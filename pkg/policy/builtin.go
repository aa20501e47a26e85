package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		fileModePolicy(),
		absolutePathPolicy(),
		unguardedExecutePolicy(),
	}
}

// fileModePolicy rejects modes that grant write access to others.
func fileModePolicy() Policy {
	return Policy{
		Name:        "file-mode",
		Description: "File and directory modes must not be world-writable",
		Rego: `package kokki.policies.mode

import rego.v1

# Modes arrive as octal strings ("0644", "0o777") or integers.
world_writable(mode) if {
	is_string(mode)
	count(mode) > 0
	digit := substring(mode, count(mode) - 1, 1)
	bits.and(to_number(digit), 2) == 2
}

world_writable(mode) if {
	is_number(mode)
	bits.and(mode, 2) == 2
}

deny contains violation if {
	some r in input.resources
	mode := r.attributes.mode
	world_writable(mode)
	violation := {
		"resource": r.id,
		"message": sprintf("mode %v is world-writable", [mode]),
	}
}`,
	}
}

// absolutePathPolicy requires filesystem resources to name absolute paths.
func absolutePathPolicy() Policy {
	return Policy{
		Name:        "absolute-path",
		Description: "File, Directory and Link resources must use absolute paths",
		Rego: `package kokki.policies.path

import rego.v1

filesystem_types := {"File", "Directory", "Link"}

deny contains violation if {
	some r in input.resources
	r.type in filesystem_types
	path := object.get(r.attributes, "path", r.name)
	not startswith(path, "/")
	violation := {
		"resource": r.id,
		"message": sprintf("path %q is not absolute", [path]),
	}
}`,
	}
}

// unguardedExecutePolicy warns about commands that run on every converge.
func unguardedExecutePolicy() Policy {
	return Policy{
		Name:        "unguarded-execute",
		Description: "Execute resources should have a guard or a creates attribute",
		Rego: `package kokki.policies.execute

import rego.v1

guarded(r) if r.not_if
guarded(r) if r.only_if
guarded(r) if r.attributes.creates

warn contains violation if {
	some r in input.resources
	r.type == "Execute"
	not guarded(r)
	violation := {
		"resource": r.id,
		"message": "runs on every converge; add not_if, only_if or creates",
	}
}`,
	}
}
