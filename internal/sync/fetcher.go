package sync

import (
	"context"

	"github.com/stembrain/trailer/internal/api"
	"github.com/stembrain/trailer/internal/models"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks -source=fetcher.go Fetcher

// Fetcher retrieves a project's items from the remote API
type Fetcher interface {
	Fetch(ctx context.Context, project models.Project, req api.FetchRequest) (*api.FetchResult, error)
}
