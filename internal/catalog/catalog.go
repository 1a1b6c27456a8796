// Package catalog lists the models a chat may be routed to.
package catalog

import (
	"fmt"

	"github.com/chirino/chat-service/internal/config"
)

// Model describes one selectable model.
type Model struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	APIIdentifier string `json:"apiIdentifier"`
	Description   string `json:"description"`
}

var knownLabels = map[string]string{
	"llama3.3":        "Llama 3.3",
	"llama3.2-vision": "Llama 3.2 Vision",
	"deepseek-r1":     "DeepSeek-R1",
}

// Catalog is immutable once built.
type Catalog struct {
	models       []Model
	byID         map[string]Model
	defaultModel string
	titleModel   string
}

// New builds a catalog from model ids. defaultID must be one of ids; titleID
// is only used for title generation and need not be selectable.
func New(ids []string, defaultID, titleID string) (*Catalog, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("catalog: at least one model is required")
	}
	c := &Catalog{byID: make(map[string]Model, len(ids)), titleModel: titleID}
	for _, id := range ids {
		if _, dup := c.byID[id]; dup {
			continue
		}
		label := knownLabels[id]
		if label == "" {
			label = id
		}
		m := Model{ID: id, Label: label, APIIdentifier: id, Description: "For complex, multi-step tasks"}
		c.models = append(c.models, m)
		c.byID[id] = m
	}
	if defaultID == "" {
		defaultID = c.models[0].ID
	}
	if _, ok := c.byID[defaultID]; !ok {
		return nil, fmt.Errorf("catalog: default model %q is not in %v", defaultID, ids)
	}
	c.defaultModel = defaultID
	if c.titleModel == "" {
		c.titleModel = defaultID
	}
	return c, nil
}

// FromConfig builds the catalog from the model flags.
func FromConfig(cfg *config.Config) (*Catalog, error) {
	return New(cfg.ModelIDs(), cfg.DefaultModelID, cfg.TitleModelID)
}

// Resolve returns the model for id, or the default model when id is empty.
func (c *Catalog) Resolve(id string) (Model, bool) {
	if id == "" {
		id = c.defaultModel
	}
	m, ok := c.byID[id]
	return m, ok
}

// Models returns the selectable models in configuration order.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) DefaultModel() string { return c.defaultModel }
func (c *Catalog) TitleModel() string   { return c.titleModel }
