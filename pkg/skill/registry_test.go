package skill

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chimera-agents/chimera/pkg/errors"
)

func noopHandler(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func testContract(name, version string) *Contract {
	return &Contract{
		Name:    name,
		Version: version,
		Input:   Schema{"value": {Type: TypeString, Required: true}},
		Output:  Schema{"result": {Type: TypeString, Required: true}},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Registration{Contract: testContract("content.generate", "1.0.0"), Handler: noopHandler}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reg, err := r.Resolve("content.generate", "1.0.0")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if reg.Contract.Name != "content.generate" {
		t.Errorf("unexpected contract: %s", reg.Contract.Name)
	}

	_, err = r.Resolve("content.generate", "2.0.0")
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Errorf("expected CodeNotFound for unknown version, got %v", err)
	}
}

func TestRegisterDuplicateVersionRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Registration{Contract: testContract("content.review", "1.0.0"), Handler: noopHandler}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Register(Registration{Contract: testContract("content.review", "1.0.0"), Handler: noopHandler})
	if err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	// A new version is a new contract, never a mutation of the old one.
	if err := r.Register(Registration{Contract: testContract("content.review", "1.1.0"), Handler: noopHandler}); err != nil {
		t.Errorf("expected new version to register: %v", err)
	}
}

// A contract registered without a handler advertises the capability but
// refuses to run locally. Remote peers can still discover and invoke it
// through federation.
func TestRegisterContractWithoutHandler(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterContract(testContract("video.transcode", "1.0.0")); err != nil {
		t.Fatalf("RegisterContract failed: %v", err)
	}
	if !r.Supports("video.transcode") {
		t.Error("handlerless contract not advertised")
	}

	reg, err := r.Resolve("video.transcode", "1.0.0")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	_, herr := reg.Handler(context.Background(), map[string]any{"value": "a"})
	if !errors.IsCode(herr, errors.CodeExecution) {
		t.Fatalf("expected CodeExecution from handlerless invocation, got %v", herr)
	}
	if errors.AsChimeraError(herr).Recoverable {
		t.Error("a missing handler is not worth retrying")
	}

	if err := r.RegisterContract(testContract("video.transcode", "1.0.0")); err == nil {
		t.Error("expected duplicate contract registration to fail")
	}
	if err := r.RegisterContract(nil); err == nil {
		t.Error("expected nil contract to be rejected")
	}
}

func TestSupports(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Registration{Contract: testContract("engagement.track", "1.0.0"), Handler: noopHandler})

	if !r.Supports("engagement.track") {
		t.Errorf("expected skill to be supported")
	}
	if r.Supports("time.travel") {
		t.Errorf("expected unsupported capability to report false")
	}
}

func TestContractsSorted(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Registration{Contract: testContract("content.publish", "1.0.0"), Handler: noopHandler})
	_ = r.Register(Registration{Contract: testContract("content.generate", "1.1.0"), Handler: noopHandler})
	_ = r.Register(Registration{Contract: testContract("content.generate", "1.0.0"), Handler: noopHandler})

	contracts := r.Contracts()
	if len(contracts) != 3 {
		t.Fatalf("expected 3 contracts, got %d", len(contracts))
	}
	if contracts[0].Name != "content.generate" || contracts[0].Version != "1.0.0" {
		t.Errorf("unexpected first contract: %s@%s", contracts[0].Name, contracts[0].Version)
	}
	if contracts[2].Name != "content.publish" {
		t.Errorf("unexpected last contract: %s", contracts[2].Name)
	}
}

func TestLoadDir(t *testing.T) {
	tmpDir := t.TempDir()
	doc := `
name: content.generate
version: "1.0.0"
description: Generate a content brief from a trend record.
input:
  trend_id:
    type: string
    required: true
  content_type:
    type: string
    enum: [video, article, post]
output:
  brief_id:
    type: string
    required: true
`
	if err := os.WriteFile(filepath.Join(tmpDir, "content-generate.yaml"), []byte(doc), 0644); err != nil {
		t.Fatalf("write contract: %v", err)
	}
	// Non-yaml files are skipped.
	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("docs"), 0644); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	contracts, err := LoadDir(tmpDir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(contracts) != 1 {
		t.Fatalf("expected 1 contract, got %d", len(contracts))
	}
	c := contracts[0]
	if c.Name != "content.generate" || c.Version != "1.0.0" {
		t.Errorf("unexpected contract %s@%s", c.Name, c.Version)
	}
	if err := c.Validate(DirectionInput, map[string]any{"trend_id": "t-1", "content_type": "video"}); err != nil {
		t.Errorf("expected loaded contract to validate: %v", err)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	doc := `
name: "Bad Name"
version: "1.0.0"
`
	path := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write contract: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Errorf("expected invalid contract to fail")
	}
}
