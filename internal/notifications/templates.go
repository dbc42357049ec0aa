package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/models"
)

// Template is a message definition with {{key}} placeholders.
type Template struct {
	Name    string
	Subject string
	HTML    string
	Text    string
}

// Rendered is a template after substitution.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render substitutes every {{key}} occurrence with vars[key]. Placeholders
// without a value are left untouched and unused variables are ignored.
func (t Template) Render(vars map[string]string) Rendered {
	if len(vars) == 0 {
		return Rendered{Subject: t.Subject, HTML: t.HTML, Text: t.Text}
	}

	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		pairs = append(pairs, "{{"+key+"}}", vars[key])
	}
	replacer := strings.NewReplacer(pairs...)

	return Rendered{
		Subject: replacer.Replace(t.Subject),
		HTML:    replacer.Replace(t.HTML),
		Text:    replacer.Replace(t.Text),
	}
}

// TemplateResolver looks templates up by exact name in the email_templates
// table, falling back to registered built-ins.
type TemplateResolver struct {
	db *gorm.DB

	mu       sync.RWMutex
	builtins map[string]Template
}

func NewTemplateResolver(db *gorm.DB) *TemplateResolver {
	return &TemplateResolver{db: db, builtins: make(map[string]Template)}
}

// Register adds or replaces a built-in template.
func (r *TemplateResolver) Register(tpl Template) {
	if strings.TrimSpace(tpl.Name) == "" {
		return
	}
	r.mu.Lock()
	r.builtins[tpl.Name] = tpl
	r.mu.Unlock()
}

// Lookup returns the active stored template called name, or the built-in
// with that name when the store has none or cannot be read.
func (r *TemplateResolver) Lookup(ctx context.Context, name string) (Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Template{}, ErrTemplateNotFound
	}

	var storeErr error
	if r.db != nil {
		var row models.EmailTemplate
		err := r.db.WithContext(ctx).
			Where("name = ? AND is_active = ?", name, true).
			Take(&row).Error
		switch {
		case err == nil:
			return Template{Name: row.Name, Subject: row.Subject, HTML: row.HTMLContent, Text: row.TextContent}, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			storeErr = err
		}
	}

	r.mu.RLock()
	builtin, ok := r.builtins[name]
	r.mu.RUnlock()
	if ok {
		return builtin, nil
	}

	if storeErr != nil {
		return Template{}, fmt.Errorf("%w: %q: %w", ErrTemplateNotFound, name, storeErr)
	}
	return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
}

// Resolve looks name up and renders it with vars.
func (r *TemplateResolver) Resolve(ctx context.Context, name string, vars map[string]string) (Rendered, error) {
	tpl, err := r.Lookup(ctx, name)
	if err != nil {
		return Rendered{}, err
	}
	return tpl.Render(vars), nil
}
