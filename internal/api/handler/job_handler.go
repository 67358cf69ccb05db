package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/transcribe-engine/internal/api/dto"
	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

// CreateJob handles POST /api/v1/jobs. The media file arrives as
// multipart field "file" with the whisper model in field "model".
func (h *JobHandler) CreateJob(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "multipart field 'file' is required",
		})
		return
	}

	model := c.PostForm("model")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "form field 'model' is required",
		})
		return
	}

	jobID := uuid.NewString()
	storedFilename := jobID + filepath.Ext(fileHeader.Filename)

	src, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to read upload",
		})
		return
	}
	defer src.Close()

	if err := h.media.SaveUpload(storedFilename, src); err != nil {
		h.logger.Error("Failed to store upload",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to store upload",
		})
		return
	}

	job := &domain.Job{
		ID:               jobID,
		OriginalFilename: fileHeader.Filename,
		StoredFilename:   storedFilename,
		Model:            model,
		Status:           domain.JobStatusQueued,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.store.CreateJob(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to create job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to create job",
		})
		return
	}

	if err := h.engine.Submit(c.Request.Context(), jobID); err != nil {
		h.logger.Error("Failed to submit job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "failed to submit job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:  jobID,
		Status: string(domain.JobStatusQueued),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobResponse(job))
}

// SetConcurrency handles PUT /api/v1/engine/concurrency. On the broker
// backend only the stored value changes; capacity is managed by
// whoever runs the remote workers.
func (h *JobHandler) SetConcurrency(c *gin.Context) {
	var req dto.SetConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "workers must be a positive integer",
		})
		return
	}

	if err := h.engine.Resize(req.Workers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	h.logger.Info("Engine concurrency updated",
		slog.Int("workers", req.Workers),
	)
	c.JSON(http.StatusOK, gin.H{
		"workers": h.engine.Workers(),
	})
}

func toJobResponse(job *domain.Job) dto.JobResponse {
	resp := dto.JobResponse{
		JobID:            job.ID,
		OriginalFilename: job.OriginalFilename,
		Model:            job.Model,
		Status:           string(job.Status),
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		LogPath:          job.LogPath,
		TranscriptPath:   job.TranscriptPath,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}
