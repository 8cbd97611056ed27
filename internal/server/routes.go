package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/export"
)

// NewRouter builds the gin engine with the dashboard and the JSON API.
func NewRouter(cfg *common.Config, svc *Service) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	h := NewHandler(svc, export.NewService(svc.logger))

	r.GET("/", Dashboard)

	api := r.Group("/api")
	api.GET("/health", h.Health)

	batches := api.Group("/batches")
	batches.POST("", h.CreateBatch)
	batches.GET("/:id", h.GetBatchProgress)
	batches.GET("/:id/report", h.GetBatchReport)
	batches.GET("/:id/export", h.ExportBatchReport)
	batches.POST("/:id/items/:unit/enhance", h.EnhanceItem)

	api.GET("/archive", h.ListArchive)

	return r
}
