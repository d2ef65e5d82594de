package main

import (
	"net/http"

	"github.com/forgeline-labs/forgeline/internal/step"
)

type pipelineStep struct {
	Key       string   `json:"key"`
	Name      string   `json:"name"`
	Order     int      `json:"order"`
	Required  bool     `json:"required,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func (api *pipelinesAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	catalog := step.Catalog()
	out := make([]pipelineStep, 0, len(catalog))
	for _, s := range catalog {
		out = append(out, pipelineStep{
			Key:       s.Key,
			Name:      s.Name,
			Order:     s.Order,
			Required:  s.Required,
			DependsOn: s.DependsOn,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}
