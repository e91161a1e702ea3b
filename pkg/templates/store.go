package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/idrelay/idrelay/pkg/engine"
)

// templateFile is the on-disk YAML shape of one identity template.
type templateFile struct {
	ID       string     `yaml:"id" validate:"required"`
	Name     string     `yaml:"name"`
	Rules    []ruleFile `yaml:"rules" validate:"dive"`
	Required []string   `yaml:"required"`
}

type ruleFile struct {
	Target     string  `yaml:"target" validate:"required"`
	Literal    *string `yaml:"literal"`
	Source     string  `yaml:"source"`
	Expression string  `yaml:"expression"`
}

// FileStore serves identity templates loaded from a directory of YAML files,
// one template per file. It implements engine.TemplateStore. Reload replaces
// the whole set atomically and keeps the previous set when loading fails.
type FileStore struct {
	dir      string
	logger   zerolog.Logger
	validate *validator.Validate

	mu        sync.RWMutex
	templates map[string]*engine.IdentityTemplate

	watcher *fsnotify.Watcher
}

// NewFileStore creates a template store over dir and performs the initial
// load.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	s := &FileStore{
		dir:      dir,
		logger:   logger.With().Str("component", "template-store").Logger(),
		validate: validator.New(),
	}

	templates, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	s.templates = templates

	s.logger.Info().
		Int("count", len(templates)).
		Str("dir", dir).
		Msg("Templates loaded")

	return s, nil
}

// Get fetches a template by identifier.
func (s *FileStore) Get(_ context.Context, id string) (*engine.IdentityTemplate, error) {
	s.mu.RLock()
	tpl, ok := s.templates[id]
	s.mu.RUnlock()

	if !ok {
		return nil, engine.NewTemplateNotFoundError(id, nil)
	}
	return tpl, nil
}

// IDs returns the identifiers of the loaded templates.
func (s *FileStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.templates))
	for id := range s.templates {
		ids = append(ids, id)
	}
	return ids
}

// Reload reloads all templates from the directory. On failure the previous
// set stays in place.
func (s *FileStore) Reload() error {
	templates, err := s.loadAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()

	s.logger.Info().
		Int("count", len(templates)).
		Msg("Templates reloaded")

	return nil
}

// loadAll reads every YAML file in the directory into a fresh template set.
func (s *FileStore) loadAll() (map[string]*engine.IdentityTemplate, error) {
	templates := make(map[string]*engine.IdentityTemplate)

	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTemplateFile(path) {
			return nil
		}

		tpl, err := s.loadFile(path)
		if err != nil {
			return fmt.Errorf("template file %s: %w", path, err)
		}
		if _, exists := templates[tpl.ID]; exists {
			return fmt.Errorf("template file %s: duplicate template id %q", path, tpl.ID)
		}
		templates[tpl.ID] = tpl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load templates from %s: %w", s.dir, err)
	}

	return templates, nil
}

// loadFile parses and validates a single template file.
func (s *FileStore) loadFile(path string) (*engine.IdentityTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := s.validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("template validation failed: %w", err)
	}

	tpl := &engine.IdentityTemplate{
		ID:       file.ID,
		Name:     file.Name,
		Required: file.Required,
	}
	for i, rule := range file.Rules {
		if err := checkRuleForm(rule); err != nil {
			return nil, fmt.Errorf("rule %d (target %q): %w", i, rule.Target, err)
		}
		tpl.Rules = append(tpl.Rules, engine.TemplateRule{
			Target:     rule.Target,
			Literal:    rule.Literal,
			Source:     rule.Source,
			Expression: rule.Expression,
		})
	}

	s.logger.Debug().
		Str("path", path).
		Str("template", tpl.ID).
		Int("rules", len(tpl.Rules)).
		Msg("Template loaded from file")

	return tpl, nil
}

// checkRuleForm enforces that exactly one of literal, source, or expression
// is set. The validator library has no clean cross-field xor for a nilable
// literal, so this stays a manual check.
func checkRuleForm(rule ruleFile) error {
	forms := 0
	if rule.Literal != nil {
		forms++
	}
	if rule.Source != "" {
		forms++
	}
	if rule.Expression != "" {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("exactly one of literal, source, or expression must be set, got %d", forms)
	}
	return nil
}

// Watch starts watching the template directory and reloads on changes. A
// failed reload is logged and the previous template set stays active.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.watcher = watcher
	go s.processEvents(ctx)

	s.logger.Info().
		Str("dir", s.dir).
		Msg("Started watching template directory")

	return nil
}

// processEvents debounces file system events into reloads.
func (s *FileStore) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isTemplateFile(event.Name) {
				continue
			}

			s.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Template file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error().Err(err).Msg("Failed to reload templates, keeping previous set")
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (s *FileStore) StopWatching() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func isTemplateFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
