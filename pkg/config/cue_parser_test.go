package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

const nginxMetadata = `
description: "nginx web server"
version:     "1.2.0"

config: {
	"nginx.port": {default: 80, description: "listen port"}
	"nginx.user": {default: "www-data"}
	"nginx.upstream": {description: "no default"}
}

recipes: {
	default: {
		"nginx.port": {mandatory: true}
	}
	proxy: {
		"nginx.upstream": {mandatory: true}
		"nginx.timeout": {}
	}
}

loader: "setup"

providers: {
	Vhost: {name: "vhost", module: "providers/vhost.wasm"}
}
`

func TestParseMetadata(t *testing.T) {
	parser := NewCUEParser()

	md, err := parser.ParseMetadata("nginx/metadata.cue", []byte(nginxMetadata))
	if err != nil {
		t.Fatalf("ParseMetadata() error = %v", err)
	}

	if md.Version != "1.2.0" {
		t.Errorf("Version = %q, want 1.2.0", md.Version)
	}
	if md.Loader != "setup" {
		t.Errorf("Loader = %q, want setup", md.Loader)
	}

	defaults := md.Defaults()
	if got := defaults["nginx.port"]; got != 80 {
		t.Errorf("default nginx.port = %#v, want 80", got)
	}
	if got := defaults["nginx.user"]; got != "www-data" {
		t.Errorf("default nginx.user = %#v, want www-data", got)
	}
	if _, ok := defaults["nginx.upstream"]; ok {
		t.Errorf("nginx.upstream has no default but was returned")
	}

	mandatory := md.MandatoryParameters("proxy")
	sort.Strings(mandatory)
	if len(mandatory) != 1 || mandatory[0] != "nginx.upstream" {
		t.Errorf("MandatoryParameters(proxy) = %v", mandatory)
	}

	if md.Providers["Vhost"].Module != "providers/vhost.wasm" {
		t.Errorf("provider module = %q", md.Providers["Vhost"].Module)
	}
}

func TestParseMetadataRejectsUnknownFields(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.ParseMetadata("bad.cue", []byte(`unexpected: true`))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}

	var mdErr *MetadataError
	if !errors.As(err, &mdErr) {
		t.Fatalf("error type = %T, want *MetadataError", err)
	}
	if len(mdErr.Errors) == 0 {
		t.Error("expected at least one validation error")
	}
}

func TestParseMetadataSyntaxError(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.ParseMetadata("broken.cue", []byte(`config: {`))
	if err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestParseMetadataBadProviderModule(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.ParseMetadata("bad.cue", []byte(`providers: { X: {name: "x", module: "x.so"} }`))
	if err == nil {
		t.Fatal("expected error for non-wasm provider module")
	}
}

func TestParseMetadataFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MetadataFile)
	if err := os.WriteFile(path, []byte(nginxMetadata), 0o644); err != nil {
		t.Fatal(err)
	}

	md, err := NewCUEParser().ParseMetadataFile(path)
	if err != nil {
		t.Fatalf("ParseMetadataFile() error = %v", err)
	}
	if md.Description != "nginx web server" {
		t.Errorf("Description = %q", md.Description)
	}

	if _, err := NewCUEParser().ParseMetadataFile(filepath.Join(dir, "missing.cue")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSchemaRegistryResource(t *testing.T) {
	sr := NewSchemaRegistry()

	valid := map[string]interface{}{
		"type":    "File",
		"name":    "/etc/motd",
		"actions": []interface{}{"create"},
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "resource", valid); err != nil {
		t.Errorf("valid resource rejected: %v", err)
	}

	invalid := map[string]interface{}{
		"type":    "File",
		"name":    "/etc/motd",
		"actions": []interface{}{},
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "resource", invalid); err == nil {
		t.Error("resource without actions accepted")
	}

	if err := sr.ValidateAgainstSchema(context.Background(), "missing", valid); err == nil {
		t.Error("expected error for unknown schema")
	}

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != "metadata" || names[1] != "resource" {
		t.Errorf("ListSchemas() = %v", names)
	}
}
