package mailchimp

import (
	"context"

	"github.com/tidwall/gjson"
)

const defaultTemplateType = "user"

// TemplateTypes selects the template categories returned by ListAll.
type TemplateTypes struct {
	User    bool `json:"user,omitempty"`
	Gallery bool `json:"gallery,omitempty"`
	Base    bool `json:"base,omitempty"`
}

// TemplateFilters narrows the templates returned by ListAll.
type TemplateFilters struct {
	Category           string `json:"category,omitempty"`
	FolderID           string `json:"folder_id,omitempty"`
	IncludeInactive    bool   `json:"include_inactive,omitempty"`
	InactiveOnly       bool   `json:"inactive_only,omitempty"`
	IncludeDragAndDrop bool   `json:"include_drag_and_drop,omitempty"`
}

// TemplateValues holds the fields changed by Update. Empty fields are left
// untouched.
type TemplateValues struct {
	Name     string `json:"name,omitempty"`
	HTML     string `json:"html,omitempty"`
	FolderID int    `json:"folder_id,omitempty"`
}

// Templates is the client for the templates/* API calls. A Templates value
// must not be shared between goroutines.
type Templates struct {
	transport  Requester
	templateID int
}

// NewTemplates creates a Templates client.
func NewTemplates(transport Requester) *Templates {
	return &Templates{transport: transport}
}

// TemplateID returns the template the id-based operations act on.
func (t *Templates) TemplateID() int {
	return t.templateID
}

// SetTemplateID selects the template Delete, Info, Undelete and Update act on.
func (t *Templates) SetTemplateID(templateID int) *Templates {
	t.templateID = templateID
	return t
}

// Add creates a user template and returns its id, or 0 when the response
// carries none. A folderID of 0 files the template in no folder.
//
// API: templates/add
func (t *Templates) Add(ctx context.Context, name, html string, folderID int) (int, error) {
	var folder any
	if folderID != 0 {
		folder = folderID
	}

	res, err := call(ctx, t.transport, "templates/add", map[string]any{
		"name":      name,
		"html":      html,
		"folder_id": folder,
	})
	if err != nil {
		return 0, err
	}

	return int(res.Get("template_id").Int()), nil
}

// ListAll returns the templates of the requested types, keyed by category.
//
// API: templates/list
func (t *Templates) ListAll(ctx context.Context, types TemplateTypes, filters TemplateFilters) (gjson.Result, error) {
	return call(ctx, t.transport, "templates/list", map[string]any{
		"types":   types,
		"filters": filters,
	})
}

// Delete deletes the selected template.
//
// API: templates/del
func (t *Templates) Delete(ctx context.Context) (bool, error) {
	return t.deleteID(ctx, t.templateID)
}

// Info returns the default content of the selected template. An empty
// templateType means "user".
//
// API: templates/info
func (t *Templates) Info(ctx context.Context, templateType string) (gjson.Result, error) {
	if templateType == "" {
		templateType = defaultTemplateType
	}
	return call(ctx, t.transport, "templates/info", map[string]any{
		"template_id": t.templateID,
		"type":        templateType,
	})
}

// Undelete restores the selected template.
//
// API: templates/undel
func (t *Templates) Undelete(ctx context.Context) (bool, error) {
	return callAction(ctx, t.transport, "templates/undel", map[string]any{
		"template_id": t.templateID,
	})
}

// Update changes the selected template.
//
// API: templates/update
func (t *Templates) Update(ctx context.Context, values TemplateValues) (bool, error) {
	return callAction(ctx, t.transport, "templates/update", map[string]any{
		"template_id": t.templateID,
		"values":      values,
	})
}

// GetByName looks up a user template by its exact name. It reads a single
// templates/list page.
func (t *Templates) GetByName(ctx context.Context, name string) (int, bool, error) {
	templates, err := t.ListAll(ctx, TemplateTypes{}, TemplateFilters{})
	if err != nil {
		return 0, false, err
	}

	user := templates.Get("user")
	if !user.IsArray() {
		return 0, false, nil
	}

	for _, tpl := range user.Array() {
		if n := tpl.Get("name"); n.Exists() && n.String() == name {
			return int(tpl.Get("id").Int()), true, nil
		}
	}

	return 0, false, nil
}

// DeleteByName deletes the user template with the given name. It returns
// false without a delete call when no template has that name. The selected
// template id is left unchanged.
func (t *Templates) DeleteByName(ctx context.Context, name string) (bool, error) {
	id, found, err := t.GetByName(ctx, name)
	if err != nil || !found {
		return false, err
	}
	return t.deleteID(ctx, id)
}

func (t *Templates) deleteID(ctx context.Context, templateID int) (bool, error) {
	return callAction(ctx, t.transport, "templates/del", map[string]any{
		"template_id": templateID,
	})
}
