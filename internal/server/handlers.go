package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/export"
)

// Handler adapts the batch service to gin.
type Handler struct {
	svc      *Service
	exporter *export.Service
}

func NewHandler(svc *Service, exporter *export.Service) *Handler {
	return &Handler{svc: svc, exporter: exporter}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateBatch ingests an uploaded equipment list and starts valuation.
func (h *Handler) CreateBatch(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload a CSV or XLSX file under the 'file' form field"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("cannot read upload: %v", err)})
		return
	}
	defer f.Close()

	res, err := h.svc.Loader().Load(f, fileHeader.Filename)
	if err != nil {
		if errors.Is(err, common.ErrParse) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	opts := BatchOptions{
		WebSearch: formBool(c, "web_search", true),
		Workers:   formInt(c, "workers", 0),
		Limit:     formInt(c, "limit", 0),
	}
	id := h.svc.StartBatch(res, opts)

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id":   id.String(),
		"records":    len(res.Records),
		"row_errors": res.RowErrors,
		"columns":    res.Columns,
	})
}

// GetBatchProgress serves the polling view.
func (h *Handler) GetBatchProgress(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	view, found := h.svc.Progress(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetBatchReport serves the full JSON report.
func (h *Handler) GetBatchReport(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	report, err := h.svc.Report(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ExportBatchReport streams the report as a downloadable XLSX or CSV file.
func (h *Handler) ExportBatchReport(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	report, err := h.svc.Report(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	switch c.DefaultQuery("format", "xlsx") {
	case "csv":
		data, err := h.exporter.ReportCSV(report)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		name := fmt.Sprintf("valuations-%s.csv", stamp)
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, "text/csv", data)
	case "xlsx":
		data, err := h.exporter.ReportXLSX(report)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		name := fmt.Sprintf("valuations-%s.xlsx", stamp)
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be xlsx or csv"})
	}
}

// EnhanceItem runs the second-pass analysis for one unit.
func (h *Handler) EnhanceItem(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	unit := c.Param("unit")
	if unit == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unit id is required"})
		return
	}

	result, err := h.svc.Enhance(c.Request.Context(), id, unit, formBool(c, "web_search", true))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unit": unit, "result": result})
}

// ListArchive serves recent archived batch summaries.
func (h *Handler) ListArchive(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	summaries, err := h.svc.ArchivedReports(c.Request.Context(), limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": summaries})
}

func batchID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return uuid.Nil, false
	}
	return id, true
}

func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrInvalidInput):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrAuthentication):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream rejected the API key; check ANTHROPIC_API_KEY"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func formBool(c *gin.Context, key string, def bool) bool {
	v := c.PostForm(key)
	if v == "" {
		v = c.Query(key)
	}
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func formInt(c *gin.Context, key string, def int) int {
	v := c.PostForm(key)
	if v == "" {
		v = c.Query(key)
	}
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
