package projects

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/user/centro/internal/surreal"
	"github.com/user/centro/internal/surreal/surrealtest"
)

// importCapture reads the scratch file at import time, before cleanup
// removes it.
type importCapture struct {
	*surrealtest.Fake

	mu       sync.Mutex
	contents []byte
	dir      string
	err      error
}

func (s *importCapture) Import(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.contents = data
	s.dir = filepath.Dir(path)
	return nil
}

func newProvisionManager(sess surreal.Session) *Manager {
	dial := func(context.Context) (surreal.Session, error) { return sess, nil }
	return NewManager(surrealtest.New(), dial, Config{})
}

func TestProvisionRoundTrip(t *testing.T) {
	sess := &importCapture{Fake: surrealtest.New()}
	sess.ExportData = []byte("DEFINE TABLE events;\nCREATE templates:1;\n")

	m := newProvisionManager(sess)
	if err := m.provision(context.Background(), "c1", "acme"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	if string(sess.contents) != string(sess.ExportData) {
		t.Errorf("imported %q, want the exported dump", sess.contents)
	}
	if !sess.Closed {
		t.Error("provisioning session left open")
	}

	// Scope order: template first, then the new tenant.
	if len(sess.Uses) != 2 {
		t.Fatalf("scope switches = %v", sess.Uses)
	}
	if sess.Uses[0] != (surrealtest.Use{Namespace: "global", Database: "interventions"}) {
		t.Errorf("first scope = %v", sess.Uses[0])
	}
	if sess.Uses[1] != (surrealtest.Use{Namespace: "c1", Database: "acme"}) {
		t.Errorf("second scope = %v", sess.Uses[1])
	}

	// Scratch dir is gone after the run.
	if _, err := os.Stat(sess.dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s still exists (stat err %v)", sess.dir, err)
	}
}

func TestProvisionCleansUpOnImportFailure(t *testing.T) {
	sess := &importCapture{Fake: surrealtest.New(), err: errors.New("import rejected")}
	sess.ExportData = []byte("dump")

	m := newProvisionManager(sess)
	if err := m.provision(context.Background(), "c1", "acme"); err == nil {
		t.Fatal("provision succeeded despite import failure")
	}

	// No scratch dirs for this tenant may survive.
	matches, _ := filepath.Glob(filepath.Join(os.TempDir(), "centro-c1_acme-*"))
	if len(matches) != 0 {
		t.Errorf("leftover scratch dirs: %v", matches)
	}
}

func TestProvisionAbortsOnExportFailure(t *testing.T) {
	sess := &importCapture{Fake: surrealtest.New()}
	sess.ExportErr = errors.New("export down")

	m := newProvisionManager(sess)
	if err := m.provision(context.Background(), "c1", "acme"); err == nil {
		t.Fatal("provision succeeded despite export failure")
	}
	if len(sess.Uses) != 1 {
		t.Errorf("pipeline advanced past export: scope switches = %v", sess.Uses)
	}
}
