package projects

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("centro/provision")

// provision replicates the template dataset into a new tenant scope:
// export the template, stage it in a scratch file, import it into the
// tenant's namespace/database. There is no retry and no rollback; a failed
// run leaves the tenant unprovisioned for an operator to re-trigger.
func (m *Manager) provision(ctx context.Context, center, project string) error {
	ctx, span := tracer.Start(ctx, "tenant.provision")
	span.SetAttributes(attribute.String("center", center), attribute.String("project", project))
	defer span.End()

	err := m.runPipeline(ctx, center, project)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) runPipeline(ctx context.Context, center, project string) error {
	sess, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial provisioning session: %w", err)
	}
	defer sess.Close()

	if err := sess.Use(ctx, m.cfg.TemplateNamespace, m.cfg.TemplateDatabase); err != nil {
		return fmt.Errorf("select template scope: %w", err)
	}
	dump, err := sess.Export(ctx)
	if err != nil {
		return fmt.Errorf("export template dataset: %w", err)
	}

	// Center+project in the directory name keeps concurrent provisioning
	// runs from colliding.
	dir, err := os.MkdirTemp("", fmt.Sprintf("centro-%s_%s-", center, project))
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "dump.surql")
	if err := os.WriteFile(path, dump, 0o600); err != nil {
		return fmt.Errorf("write scratch dump: %w", err)
	}

	if err := sess.Use(ctx, center, project); err != nil {
		return fmt.Errorf("select tenant scope: %w", err)
	}
	if err := sess.Import(ctx, path); err != nil {
		return fmt.Errorf("import tenant dataset: %w", err)
	}

	slog.Info("tenant provisioned", "center", center, "project", project, "bytes", len(dump))
	return nil
}
