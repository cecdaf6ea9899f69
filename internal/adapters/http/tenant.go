package httpadapter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

const projectHeader = "X-Project-ID"

// HeaderTenantResolver reads the project key from a request header.
type HeaderTenantResolver struct {
	Header string
}

func (h HeaderTenantResolver) ResolveProject(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = projectHeader
	}
	project := strings.TrimSpace(r.Header.Get(header))
	if project == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve project", errors.New(header+" header is required"))
	}
	if err := domain.ValidateProject(project); err != nil {
		return "", err
	}
	return project, nil
}
