package handler

import (
	"log/slog"

	"github.com/cuongbtq/transcribe-engine/internal/engine"
	"github.com/cuongbtq/transcribe-engine/internal/media"
	"github.com/cuongbtq/transcribe-engine/internal/store"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Store  *store.Storage
	Media  *media.Store
	Engine *engine.Engine
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	store  *store.Storage
	media  *media.Store
	engine *engine.Engine
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		store:  deps.Store,
		media:  deps.Media,
		engine: deps.Engine,
	}
}
