package plugin

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mattjoyce/gatekeeper/internal/canonical"
)

// Channel separates freely loadable plugins from licensed ones.
type Channel string

const (
	ChannelOSS  Channel = "oss"
	ChannelPaid Channel = "paid"
)

// RuntimeKind selects how the host invokes a plugin.
type RuntimeKind string

const (
	RuntimeSandbox RuntimeKind = "sandbox"
	RuntimeWASM    RuntimeKind = "wasm"
	RuntimeScript  RuntimeKind = "script"
	RuntimeWeb     RuntimeKind = "web"
	RuntimeServer  RuntimeKind = "server"
)

// Capability names a hook point or licensable feature.
type Capability string

const (
	CapConstraints Capability = "constraints"
	CapPricing     Capability = "pricing"
	CapRender      Capability = "render"
	CapExport      Capability = "export"
	CapSolver      Capability = "solver"
	CapUI          Capability = "ui"
)

// Entry lists the runtime entry points, relative to the plugin directory.
type Entry struct {
	Module string `json:"module,omitempty"`
	JS     string `json:"js,omitempty"`
	WASM   string `json:"wasm,omitempty"`
}

// Runtime declares the packaging of a plugin.
type Runtime struct {
	Kind  RuntimeKind `json:"kind"`
	Entry Entry       `json:"entry"`
}

// Capabilities are the flags a manifest declares. UI is an object describing
// panels and commands, or a bare boolean.
type Capabilities struct {
	Constraints bool            `json:"constraints"`
	Pricing     bool            `json:"pricing"`
	Render      bool            `json:"render"`
	Export      bool            `json:"export"`
	Solver      bool            `json:"solver"`
	UI          json.RawMessage `json:"ui,omitempty"`
}

// Signature is the publisher signature over the manifest's signable bytes.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"kid,omitempty"`
	Value string `json:"value"`
}

// Integrity carries the channel, signature and artifact hashes.
type Integrity struct {
	Channel   Channel           `json:"channel"`
	Signature *Signature        `json:"signature,omitempty"`
	Hashes    map[string]string `json:"hashes,omitempty"`
}

// Manifest defines the structure of a plugin's manifest.json file.
type Manifest struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Runtime      Runtime      `json:"runtime"`
	Capabilities Capabilities `json:"capabilities"`
	Integrity    *Integrity   `json:"integrity,omitempty"`

	// Document is the generic decoded manifest. Signable bytes are derived
	// from it so that fields unknown to this struct stay covered.
	Document map[string]any `json:"-"`
}

// Declared returns the capability set declared by the manifest. UI counts as
// declared unless it is absent, null or false.
func (m *Manifest) Declared() CapabilitySet {
	ui := strings.TrimSpace(string(m.Capabilities.UI))
	return CapabilitySet{
		Constraints: m.Capabilities.Constraints,
		Pricing:     m.Capabilities.Pricing,
		Render:      m.Capabilities.Render,
		Export:      m.Capabilities.Export,
		Solver:      m.Capabilities.Solver,
		UI:          ui != "" && ui != "null" && ui != "false",
	}
}

// DefaultModuleEntry is the module a sandboxed runtime executes when its
// manifest names none.
const DefaultModuleEntry = "dist/plugin.wasm"

// ExecEntry returns the path the host executes for m, relative to the plugin
// directory, or "" when the host does not execute this runtime kind.
func (m *Manifest) ExecEntry() string {
	switch m.Runtime.Kind {
	case RuntimeSandbox, RuntimeWASM:
		if m.Runtime.Entry.Module != "" {
			return m.Runtime.Entry.Module
		}
		if m.Runtime.Entry.WASM != "" {
			return m.Runtime.Entry.WASM
		}
		return DefaultModuleEntry
	case RuntimeScript:
		return m.Runtime.Entry.JS
	}
	return ""
}

// EntryPaths returns every runtime entry path the manifest declares, plus the
// executed entry, cleaned and without duplicates.
func (m *Manifest) EntryPaths() []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range []string{m.ExecEntry(), m.Runtime.Entry.Module, m.Runtime.Entry.JS, m.Runtime.Entry.WASM} {
		if e == "" {
			continue
		}
		e = cleanRel(e)
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// HashFor returns the integrity hash declared for rel and the key it is
// declared under. Keys and rel are compared in cleaned slash form.
func (m *Manifest) HashFor(rel string) (key, ref string, ok bool) {
	if m.Integrity == nil {
		return "", "", false
	}
	if ref, ok := m.Integrity.Hashes[rel]; ok {
		return rel, ref, true
	}
	want := cleanRel(rel)
	for k, v := range m.Integrity.Hashes {
		if cleanRel(k) == want {
			return k, v, true
		}
	}
	return "", "", false
}

func cleanRel(rel string) string {
	return path.Clean(strings.ReplaceAll(rel, "\\", "/"))
}

// IsPaid reports whether the manifest is on the licensed channel.
func (m *Manifest) IsPaid() bool {
	return m.Integrity != nil && m.Integrity.Channel == ChannelPaid
}

// SignableBytes returns the canonical encoding of the manifest with
// integrity.signature.value removed. The manifest document is not modified.
func (m *Manifest) SignableBytes() []byte {
	return SignableBytes(m.Document)
}

// SignableBytes removes integrity.signature.value from a copy of doc and
// canonically encodes the result.
func SignableBytes(doc map[string]any) []byte {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	if integrity, ok := doc["integrity"].(map[string]any); ok {
		ic := make(map[string]any, len(integrity))
		for k, v := range integrity {
			ic[k] = v
		}
		if sig, ok := integrity["signature"].(map[string]any); ok {
			sc := make(map[string]any, len(sig))
			for k, v := range sig {
				if k != "value" {
					sc[k] = v
				}
			}
			ic["signature"] = sc
		}
		out["integrity"] = ic
	}
	return canonical.Encode(out)
}

// SchemaError lists every schema violation found in a manifest.
type SchemaError struct {
	Errors []string
}

func (e *SchemaError) Error() string {
	return "manifest schema invalid: " + strings.Join(e.Errors, "; ")
}

//go:embed schema/manifest.schema.json
var manifestSchemaJSON []byte

const manifestSchemaURL = "https://gatekeeper.invalid/schemas/plugin-manifest.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(manifestSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(manifestSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return schema, schemaErr
}

// Validate checks raw manifest JSON against the manifest schema and returns
// the list of violations, or nil when the manifest is valid.
func Validate(data []byte) []string {
	sch, err := manifestSchema()
	if err != nil {
		return []string{err.Error()}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return []string{"manifest is not valid JSON: " + err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return flattenValidation(err)
	}
	return nil
}

func flattenValidation(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	lines := strings.Split(ve.Error(), "\n")
	var out []string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "- "))
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(lines[0])}
	}
	return out
}

// ParseManifest validates data against the manifest schema and decodes it.
// Schema failures are returned as *SchemaError.
func ParseManifest(data []byte) (*Manifest, error) {
	if errs := Validate(data); len(errs) > 0 {
		return nil, &SchemaError{Errors: errs}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	doc, err := canonical.Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &SchemaError{Errors: []string{"manifest must be an object"}}
	}
	m.Document = obj
	return &m, nil
}
