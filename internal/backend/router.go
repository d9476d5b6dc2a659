// Package backend is a small REST server speaking the table contract the sync engine replays against. It backs
// integration tests and `fieldsync serve-backend`.
package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	whereParameter    = "q.where"
	photoField        = "Photo"
	maxUploadBytes    = 32 << 20
)

var errMissingRepository = errors.New("repository dependency required")

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Repository     *Repository
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Repository == nil {
		return nil, errMissingRepository
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{repository: deps.Repository, logger: logger}

	router.GET("/health", handler.handleHealth)
	router.GET("/files/:name", handler.handleFile)

	tables := router.Group("/tables/:table")
	tables.GET("/records", handler.handleFind)
	tables.POST("/records", handler.handleCreate)
	tables.PUT("/records", handler.handleUpdate)
	tables.DELETE("/records", handler.handleDelete)
	tables.POST("/attachments", handler.handleUpload)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", idempotencyHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	repository *Repository
	logger     *zap.Logger
}

type rowsPayload struct {
	Result []Row `json:"Result"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleFind(c *gin.Context) {
	table := c.Param("table")
	filter, ok := h.optionalFilter(c)
	if !ok {
		return
	}
	rows, err := h.repository.Find(c.Request.Context(), table, filter)
	if err != nil {
		h.fail(c, "find_failed", err)
		return
	}
	writeRows(c, http.StatusOK, rows)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	table := c.Param("table")
	fields, ok := h.bindRow(c)
	if !ok {
		return
	}
	row, replayed, err := h.repository.Create(c.Request.Context(), table, fields, strings.TrimSpace(c.GetHeader(idempotencyHeader)))
	if err != nil {
		h.fail(c, "create_failed", err)
		return
	}
	if replayed {
		h.logger.Info("replayed create answered from idempotency key",
			zap.String("table", table),
			zap.String("idempotency_key", c.GetHeader(idempotencyHeader)))
	}
	writeRows(c, http.StatusCreated, []Row{row})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	table := c.Param("table")
	filter, ok := h.requiredFilter(c)
	if !ok {
		return
	}
	patch, ok := h.bindRow(c)
	if !ok {
		return
	}
	rows, err := h.repository.Update(c.Request.Context(), table, filter, patch)
	if errors.Is(err, ErrRowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.fail(c, "update_failed", err)
		return
	}
	writeRows(c, http.StatusOK, rows)
}

// Deleting a row that is already gone succeeds so replayed deletes settle.
func (h *httpHandler) handleDelete(c *gin.Context) {
	table := c.Param("table")
	filter, ok := h.requiredFilter(c)
	if !ok {
		return
	}
	removed, err := h.repository.Delete(c.Request.Context(), table, filter)
	if err != nil {
		h.fail(c, "delete_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	table := c.Param("table")
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	fields := make(Row)
	if raw := c.PostForm("fields"); raw != "" {
		decoded, err := decodeRow([]byte(raw))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_fields"})
			return
		}
		fields = decoded
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_file"})
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	idempotencyKey := strings.TrimSpace(c.GetHeader(idempotencyHeader))
	if _, ok := fields["FileName"]; !ok {
		fields["FileName"] = header.Filename
	}
	row, replayed, err := h.repository.Create(c.Request.Context(), table, fields, idempotencyKey)
	if err != nil {
		h.fail(c, "upload_failed", err)
		return
	}
	if !replayed {
		name := fmt.Sprintf("%v-%s", row[PrimaryKeyField], path.Base(header.Filename))
		if err := h.repository.SaveFile(c.Request.Context(), name, contentType, data); err != nil {
			h.fail(c, "upload_failed", err)
			return
		}
		filter := Filter{Field: PrimaryKeyField, Value: renderValue(row[PrimaryKeyField])}
		updated, err := h.repository.Update(c.Request.Context(), table, filter, Row{photoField: fileURL(c.Request, name)})
		if err != nil {
			h.fail(c, "upload_failed", err)
			return
		}
		row = updated[0]
	}
	writeRows(c, http.StatusCreated, []Row{row})
}

func (h *httpHandler) handleFile(c *gin.Context) {
	contentType, data, err := h.repository.File(c.Request.Context(), c.Param("name"))
	if errors.Is(err, ErrRowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.fail(c, "file_failed", err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *httpHandler) optionalFilter(c *gin.Context) (Filter, bool) {
	raw, present := c.GetQuery(whereParameter)
	if !present {
		return Filter{}, true
	}
	filter, err := ParseFilter(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return Filter{}, false
	}
	return filter, true
}

func (h *httpHandler) requiredFilter(c *gin.Context) (Filter, bool) {
	filter, err := ParseFilter(c.Query(whereParameter))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return Filter{}, false
	}
	return filter, true
}

func (h *httpHandler) bindRow(c *gin.Context) (Row, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	row, err := decodeRow(body)
	if err != nil || len(row) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	return row, true
}

func (h *httpHandler) fail(c *gin.Context, reason string, err error) {
	h.logger.Error("backend request failed",
		zap.String("reason", reason),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": reason})
}

func writeRows(c *gin.Context, status int, rows []Row) {
	if rows == nil {
		rows = []Row{}
	}
	encoded, err := json.Marshal(rowsPayload{Result: rows})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	c.Data(status, "application/json; charset=utf-8", encoded)
}

func fileURL(request *http.Request, name string) string {
	scheme := "http"
	if request.TLS != nil {
		scheme = "https"
	}
	if forwarded := request.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + request.Host + "/files/" + name
}
