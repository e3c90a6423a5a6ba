package message

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/common/*.tmpl templates/review/*.tmpl templates/git/*.tmpl
var templateFS embed.FS

// registry holds parsed templates and provides thread-safe access.
type registry struct {
	mu        sync.RWMutex
	templates map[ID]*template.Template
	funcMap   template.FuncMap
}

// globalRegistry is the singleton registry instance.
//
//nolint:gochecknoglobals // embedded templates are parsed once per process
var globalRegistry = &registry{
	templates: make(map[ID]*template.Template),
	funcMap:   defaultFuncMap(),
}

func defaultFuncMap() template.FuncMap {
	return template.FuncMap{
		"join": strings.Join,
		"trim": strings.TrimSpace,
		// oneLine folds a multi-line comment into a single list item.
		"oneLine": func(s string) string {
			return strings.Join(strings.Fields(s), " ")
		},
	}
}

//nolint:gochecknoinits // embedded templates are loaded at package initialization
func init() {
	if err := globalRegistry.load(); err != nil {
		panic(fmt.Sprintf("failed to load embedded templates: %v", err))
	}
}

// load parses every template. Templates under common/ can be included by
// the others as "common/<name>".
func (r *registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	common, err := r.loadCommon()
	if err != nil {
		return fmt.Errorf("loading common templates: %w", err)
	}

	return fs.WalkDir(templateFS, "templates", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".tmpl") || strings.HasPrefix(p, "templates/common/") {
			return nil
		}
		content, err := templateFS.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading template %s: %w", p, err)
		}

		id := pathToID(p)
		tmpl := template.New(string(id)).Funcs(r.funcMap).Option("missingkey=error")
		for name, c := range common {
			if _, err := tmpl.AddParseTree(name, c.Tree); err != nil {
				return fmt.Errorf("adding common template %s: %w", name, err)
			}
		}
		if _, err := tmpl.Parse(string(content)); err != nil {
			return fmt.Errorf("parsing template %s: %w", p, err)
		}
		r.templates[id] = tmpl
		return nil
	})
}

func (r *registry) loadCommon() (map[string]*template.Template, error) {
	entries, err := templateFS.ReadDir("templates/common")
	if err != nil {
		return nil, err
	}
	common := make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
			continue
		}
		p := path.Join("templates/common", entry.Name())
		content, err := templateFS.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading common template %s: %w", p, err)
		}
		name := "common/" + strings.TrimSuffix(entry.Name(), ".tmpl")
		tmpl, err := template.New(name).Funcs(r.funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parsing common template %s: %w", p, err)
		}
		common[name] = tmpl
	}
	return common, nil
}

// pathToID converts templates/review/body.tmpl into review/body.
func pathToID(p string) ID {
	return ID(strings.TrimSuffix(strings.TrimPrefix(p, "templates/"), ".tmpl"))
}

func (r *registry) get(id ID) (*template.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return tmpl, nil
}

func (r *registry) list() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	return ids
}
