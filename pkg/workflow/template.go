// Package workflow loads the workflow template that defines the ordered
// sequence of task categories. The order map gates sequential groups: a
// chaser for a category only fires once the preceding category's group is
// fully completed.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
)

type Activity struct {
	Category             string `json:"Category"`
	AnchorDateType       string `json:"AnchorDateType"`
	StartOffsetDays      int    `json:"StartOffsetDays"`
	DurationBusinessDays int    `json:"DurationBusinessDays"`
	DefaultRole          string `json:"DefaultRole"`
}

type Template struct {
	WorkflowID string     `json:"WorkflowId"`
	Activities []Activity `json:"Activities"`
}

// CategoryAnchor keys the per-anchor order map.
type CategoryAnchor struct {
	Category string
	Anchor   string
}

// LoadTemplate parses the workflow template JSON at path.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse workflow template %s: %w", path, err)
	}
	if len(t.Activities) == 0 {
		return nil, fmt.Errorf("workflow template %s has no activities", path)
	}
	return &t, nil
}

// OrderByCategoryAnchor builds the (Category, AnchorDateType) → index map
// by first occurrence.
func (t *Template) OrderByCategoryAnchor() map[CategoryAnchor]int {
	order := make(map[CategoryAnchor]int)
	idx := 0
	for _, a := range t.Activities {
		key := CategoryAnchor{Category: a.Category, Anchor: a.AnchorDateType}
		if _, seen := order[key]; seen {
			continue
		}
		order[key] = idx
		idx++
	}
	return order
}

// OrderByCategory is the anchor-agnostic variant for deployments that gate
// on category alone.
func (t *Template) OrderByCategory() map[string]int {
	order := make(map[string]int)
	idx := 0
	for _, a := range t.Activities {
		if _, seen := order[a.Category]; seen {
			continue
		}
		order[a.Category] = idx
		idx++
	}
	return order
}
