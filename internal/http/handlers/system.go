package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/feedrelay/internal/version"
)

// SystemHandler serves build information.
type SystemHandler struct{}

// NewSystemHandler creates a new system handler.
func NewSystemHandler() *SystemHandler {
	return &SystemHandler{}
}

// VersionInput is the input for the version endpoint.
type VersionInput struct{}

// VersionOutput is the output for the version endpoint.
type VersionOutput struct {
	Body version.Info
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getVersion",
		Method:      http.MethodGet,
		Path:        "/api/v1/version",
		Summary:     "Get version",
		Tags:        []string{"System"},
	}, h.GetVersion)
}

// GetVersion returns build information.
func (h *SystemHandler) GetVersion(_ context.Context, _ *VersionInput) (*VersionOutput, error) {
	return &VersionOutput{Body: version.GetInfo()}, nil
}
