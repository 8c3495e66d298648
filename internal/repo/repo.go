package repo

import (
	"context"
	"errors"
	"time"

	"Dynaopt/internal/optimize"
)

var ErrNotFound = errors.New("run not found")

type Run struct {
	ID              string               `json:"id"`
	Config          optimize.Config      `json:"config"`
	SourceMesh      string               `json:"source_mesh,omitempty"`
	State           optimize.State       `json:"state"`
	Iterations      int                  `json:"iterations"`
	FinalMesh       string               `json:"final_mesh"`
	Message         string               `json:"message"`
	CancelRequested bool                 `json:"cancel_requested"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	History         []optimize.Iteration `json:"history,omitempty"`
}

type Repository interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, id string, out optimize.Outcome) error
	AddIteration(ctx context.Context, id string, it optimize.Iteration) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}
