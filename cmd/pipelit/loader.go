package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"pipelit.dev/pipelit/runtime/workflow"
)

//go:embed schema.json
var workflowSchemaJSON []byte

// workflowSchema validates workflow files before they are decoded into the
// graph model. Schema errors carry field paths, which beats the zero-value
// silence of a plain decode.
var workflowSchema = mustCompileWorkflowSchema()

func mustCompileWorkflowSchema() *jsonschema.Schema {
	s, err := workflow.CompileConfigSchema(workflowSchemaJSON)
	if err != nil {
		panic(fmt.Sprintf("embedded workflow schema: %v", err))
	}
	return s
}

func loadWorkflowFile(path string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseWorkflow(data)
}

// parseWorkflow decodes a YAML workflow file. The document is round-tripped
// through JSON so schema validation and the struct decode both see canonical
// types and the struct's json tags apply to YAML input.
func parseWorkflow(data []byte) (*workflow.Workflow, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	var canonical any
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if err := workflowSchema.Validate(canonical); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	// A file that omits active means to serve the workflow; the flag exists
	// so an operator can park a file without deleting it.
	if m, ok := canonical.(map[string]any); ok {
		if _, present := m["active"]; !present {
			wf.Active = true
		}
	}
	applyWorkflowDefaults(&wf)
	return &wf, nil
}

func applyWorkflowDefaults(wf *workflow.Workflow) {
	if wf.Name == "" {
		wf.Name = wf.Slug
	}
	for i := range wf.Nodes {
		if wf.Nodes[i].WorkflowID == "" {
			wf.Nodes[i].WorkflowID = wf.ID
		}
	}
}

// fileCredentials resolves credential references from a local secrets file:
// a YAML mapping of reference name to key/value bundle. Values pass through
// environment expansion so files can point at $VARS instead of embedding
// plaintext keys.
type fileCredentials map[string]map[string]string

var _ workflow.CredentialResolver = fileCredentials(nil)

func loadCredentialsFile(path string) (fileCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	creds := fileCredentials{}
	if err := yaml.Unmarshal([]byte(expanded), &creds); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	return creds, nil
}

// Resolve implements workflow.CredentialResolver.
func (f fileCredentials) Resolve(_ context.Context, ref string) (map[string]string, error) {
	bundle, ok := f[ref]
	if !ok {
		return nil, fmt.Errorf("unknown credential reference %q", ref)
	}
	out := make(map[string]string, len(bundle))
	for k, v := range bundle {
		out[k] = v
	}
	return out, nil
}
