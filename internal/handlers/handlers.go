package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/example/neuroscan/internal/auth"
	"github.com/example/neuroscan/internal/diagnosis"
	"github.com/example/neuroscan/internal/repository"
	"github.com/example/neuroscan/internal/storage"
	"github.com/example/neuroscan/internal/usecase"
)

// MaxUploadSize is the default upload limit in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead allows for boundaries and headers around the file part.
const multipartOverhead = 1 << 20

// DiagnosisService is the subset of the use case the HTTP layer drives.
type DiagnosisService interface {
	Diagnose(ctx context.Context, upload usecase.Upload) (*usecase.Outcome, error)
	Results(ctx context.Context, requesterID string) []diagnosis.Record
	Result(ctx context.Context, requesterID, recordID string) (diagnosis.Record, error)
	Summary(ctx context.Context, requesterID string) usecase.ResultsSummary
	Health(ctx context.Context) usecase.HealthStatus
}

// Options configures RegisterRoutes.
type Options struct {
	UploadDir      string
	AllowedOrigins []string
	MaxUploadBytes int64
	Identity       gin.HandlerFunc
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc DiagnosisService, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.Identity == nil {
		opts.Identity = func(c *gin.Context) { c.Next() }
	}

	router.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	if opts.UploadDir != "" {
		router.Static(storage.URLPrefix, opts.UploadDir)
	}

	api := router.Group("/api", opts.Identity)

	api.GET("/health", func(c *gin.Context) {
		status := svc.Health(c.Request.Context())
		message := "NeuroScan API is running"
		if !status.ModelLoaded {
			message = "NeuroScan API is running with the fallback classifier; predictions are random"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"message":          message,
			"model_loaded":     status.ModelLoaded,
			"classifier":       status.Classifier,
			"ledger_available": status.LedgerAvailable,
			"cache_enabled":    status.CacheEnabled,
			"cache_available":  status.CacheAvailable,
			"timestamp":        status.CheckedAt.Unix(),
		})
	})

	api.POST("/predict", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes+multipartOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, http.StatusRequestEntityTooLarge, "Uploaded file is too large")
				return
			}
			respondError(c, http.StatusBadRequest, "No file uploaded")
			return
		}
		if file.Filename == "" {
			respondError(c, http.StatusBadRequest, "No file selected")
			return
		}
		if file.Size > opts.MaxUploadBytes {
			respondError(c, http.StatusRequestEntityTooLarge, "Uploaded file is too large")
			return
		}
		if !acceptedContentType(file.Header.Get("Content-Type")) {
			respondError(c, http.StatusUnsupportedMediaType, "Unsupported file type, upload an image")
			return
		}

		src, err := file.Open()
		if err != nil {
			respondError(c, http.StatusBadRequest, "Unable to open uploaded file")
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to read uploaded file")
			return
		}

		outcome, err := svc.Diagnose(c.Request.Context(), usecase.Upload{
			Filename:    file.Filename,
			Data:        data,
			RequesterID: auth.RequesterID(c.Request.Context(), c.PostForm("userId")),
		})
		switch {
		case errors.Is(err, usecase.ErrInput):
			respondError(c, http.StatusBadRequest, "No file uploaded")
			return
		case errors.Is(err, usecase.ErrDecode):
			respondError(c, http.StatusBadRequest, "Invalid image format")
			return
		case err != nil:
			respondError(c, http.StatusInternalServerError, "Prediction failed")
			return
		}

		c.JSON(http.StatusOK, predictionPayload(outcome))
	})

	api.GET("/results", func(c *gin.Context) {
		requesterID := auth.RequesterID(c.Request.Context(), c.Query("userId"))
		results := svc.Results(c.Request.Context(), requesterID)
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"results": results,
			"count":   len(results),
		})
	})

	api.GET("/results/summary", func(c *gin.Context) {
		requesterID := auth.RequesterID(c.Request.Context(), c.Query("userId"))
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"summary": svc.Summary(c.Request.Context(), requesterID),
		})
	})

	api.GET("/results/:id", func(c *gin.Context) {
		requesterID := auth.RequesterID(c.Request.Context(), c.Query("userId"))
		rec, err := svc.Result(c.Request.Context(), requesterID, c.Param("id"))
		switch {
		case errors.Is(err, repository.ErrNotFound):
			respondError(c, http.StatusNotFound, "Result not found")
			return
		case err != nil:
			respondError(c, http.StatusServiceUnavailable, "Result store unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "result": rec})
	})
}

func predictionPayload(outcome *usecase.Outcome) gin.H {
	rec := outcome.Record
	payload := gin.H{
		"status":                "success",
		"diagnosis":             rec.DiagnosisLabel,
		"tumor_type":            rec.TumorType,
		"has_tumor":             rec.HasTumor,
		"confidence":            rec.Confidence,
		"confidence_percentage": rec.ConfidencePercentage(),
		"image_url":             outcome.Image.URL,
		"file_path":             outcome.Image.FilePath,
		"timestamp":             rec.CreatedAt.Unix(),
		"class_index":           rec.ClassIndex,
		"probabilities":         rec.Probabilities,
		"userId":                rec.RequesterID,
	}
	if outcome.Persisted {
		payload["mongo_id"] = rec.RecordID
	}
	return payload
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "message": message})
}

// acceptedContentType allows image types and generic binary parts; decoding decides the rest.
func acceptedContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream"
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
