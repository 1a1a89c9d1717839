package sdk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// integrationFile is the on-disk shape of a declarative integration.
type integrationFile struct {
	Name   string `yaml:"name"`
	Config Config `yaml:",inline"`
}

// DiscoverIntegrations scans a local directory and registers what it
// finds: *.yaml/*.yml files declare tool configs, *.js files become
// script-backed tools named after the file. Files starting with "_" and
// test files are skipped. A missing directory is not an error.
func (r *Registry) DiscoverIntegrations(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading integrations directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") ||
			strings.Contains(name, ".test.") || strings.Contains(name, ".spec.") {
			continue
		}
		path := filepath.Join(dir, name)
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml":
			if err := r.loadIntegrationFile(path); err != nil {
				return err
			}
		case ".js":
			if err := r.loadScriptIntegration(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) loadIntegrationFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's integrations directory
	if err != nil {
		return fmt.Errorf("reading integration %s: %w", path, err)
	}
	var def integrationFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return flowerr.Wrap(flowerr.KindInvalidConfig, fmt.Sprintf("parsing integration %s", path), err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := r.Register(def.Name, def.Config); err != nil {
		return err
	}
	log.Info("integration discovered", "name", def.Name, "file", path)
	return nil
}

// loadScriptIntegration registers a tool whose actions are handled by the
// script: the file is evaluated per call with "action" and "inputs" bound
// as globals, and its completion value becomes the result.
func (r *Registry) loadScriptIntegration(path string) error {
	code, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("reading integration %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	client := &scriptIntegration{name: name, code: string(code)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[name]; exists {
		return flowerr.Newf(flowerr.KindProviderConflict, "tool %q is already registered", name)
	}
	r.instances[name] = &Instance{Name: name, Config: Config{SDK: "script"}, client: client}
	log.Info("script integration discovered", "name", name, "file", path)
	return nil
}

type scriptIntegration struct {
	name string
	code string
}

// CallAction implements Client.
func (s *scriptIntegration) CallAction(ctx context.Context, path string, inputs map[string]any) (any, error) {
	vm := goja.New()
	if err := vm.Set("action", path); err != nil {
		return nil, flowerr.Wrap(flowerr.KindInternalError, "binding script global", err).WithService(s.name)
	}
	if err := vm.Set("inputs", inputs); err != nil {
		return nil, flowerr.Wrap(flowerr.KindInternalError, "binding script global", err).WithService(s.name)
	}
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := vm.RunString(s.code)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return nil, flowerr.Wrap(flowerr.KindTimeout, "script interrupted", err).WithService(s.name).WithAction(path)
		}
		return nil, flowerr.Wrap(flowerr.KindExpressionError, "script failed", err).WithService(s.name).WithAction(path)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}
