package templates

import (
	"context"
	"fmt"
	"os"

	"github.com/osteele/liquid"
	"gopkg.in/yaml.v3"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

// Publisher renders Liquid sources and stores them as Mailchimp user templates.
type Publisher struct {
	api    mailchimp.API
	engine *liquid.Engine
}

// PublishResult describes the template a Publish call wrote.
type PublishResult struct {
	ID      int
	Created bool
}

func NewPublisher(api mailchimp.API) *Publisher {
	return &Publisher{
		api:    api,
		engine: liquid.NewEngine(),
	}
}

// LoadData reads template bindings from a YAML file. An empty path yields no bindings.
func LoadData(path string) (map[string]any, error) {
	data := map[string]any{}
	if path == "" {
		return data, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template data: %w", err)
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse template data %s: %w", path, err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// Render evaluates the Liquid source with the given bindings.
func (p *Publisher) Render(source string, data map[string]any) (string, error) {
	out, err := p.engine.ParseAndRenderString(source, data)
	if err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return out, nil
}

// Publish renders source and updates the user template called name, or adds
// it when Mailchimp has none by that name.
func (p *Publisher) Publish(ctx context.Context, name, source string, data map[string]any) (PublishResult, error) {
	log := logf.FromContext(ctx).WithValues("template", name)

	html, err := p.Render(source, data)
	if err != nil {
		return PublishResult{}, err
	}

	id, found, err := p.api.Templates().GetByName(ctx, name)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to look up template %q: %w", name, err)
	}

	if found {
		log.Info("Updating Mailchimp template", "templateID", id)
		if _, err := p.api.Templates().SetTemplateID(id).Update(ctx, mailchimp.TemplateValues{HTML: html}); err != nil {
			return PublishResult{}, fmt.Errorf("failed to update template %q: %w", name, err)
		}
		return PublishResult{ID: id}, nil
	}

	log.Info("Adding Mailchimp template")
	id, err = p.api.Templates().Add(ctx, name, html, 0)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to add template %q: %w", name, err)
	}
	return PublishResult{ID: id, Created: true}, nil
}

// Remove deletes the user template called name and reports whether one existed.
func (p *Publisher) Remove(ctx context.Context, name string) (bool, error) {
	deleted, err := p.api.Templates().DeleteByName(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete template %q: %w", name, err)
	}
	return deleted, nil
}
