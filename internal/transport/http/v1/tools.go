package v1

import (
	"net/http"

	"github.com/invopop/jsonschema"
	"github.com/labstack/echo/v4"
)

// ToolResponse describes one registered tool.
type ToolResponse struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Cacheable   bool               `json:"cacheable,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// ListTools lists the registered tools with their JSON Schema.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	defs := h.service.Tools()
	out := make([]ToolResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolResponse{
			Name:        d.Name,
			Description: d.Description,
			Cacheable:   d.Cacheable,
			Parameters:  d.Schema.JSONSchema(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools": out,
	})
}
