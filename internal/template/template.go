// Package template renders stored notification templates. Placeholders
// are written {like_this} and substituted from a flat variable map.
package template

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// Source loads templates by name.
type Source interface {
	GetByName(ctx context.Context, name string) (*db.NotificationTemplate, error)
}

// Renderer resolves template names and substitutes variables.
type Renderer struct {
	source Source
	logger *zap.Logger
}

// NewRenderer creates a template renderer.
func NewRenderer(source Source, logger *zap.Logger) *Renderer {
	return &Renderer{source: source, logger: logger}
}

// Substitute replaces every {variable} placeholder present in vars.
// Placeholders with no matching variable are left untouched so a
// half-filled template is visible rather than silently blanked.
func Substitute(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Rendered is the outcome of resolving a template.
type Rendered struct {
	Subject string
	Body    string
}

// Render loads the named template and substitutes vars into its subject
// and content.
func (r *Renderer) Render(ctx context.Context, name string, vars map[string]string) (*Rendered, error) {
	tpl, err := r.source.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load template %q: %w", name, err)
	}

	return &Rendered{
		Subject: Substitute(tpl.Subject, vars),
		Body:    Substitute(tpl.Content, vars),
	}, nil
}

// RenderOrFallback resolves a template but treats a missing one as
// recoverable: the caller's literal title and message are used instead
// and a warning is logged. Errors other than absence still fail.
func (r *Renderer) RenderOrFallback(ctx context.Context, name, fallbackTitle, fallbackMessage string, vars map[string]string) (*Rendered, error) {
	if name == "" {
		return &Rendered{
			Subject: Substitute(fallbackTitle, vars),
			Body:    Substitute(fallbackMessage, vars),
		}, nil
	}

	rendered, err := r.Render(ctx, name, vars)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.Warn("template missing, using literal content",
			zap.String("template_name", name),
		)
		return &Rendered{
			Subject: Substitute(fallbackTitle, vars),
			Body:    Substitute(fallbackMessage, vars),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return rendered, nil
}
