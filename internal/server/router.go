package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wayplan/wayplan/internal/geo"
	"github.com/wayplan/wayplan/internal/planner"
	"github.com/wayplan/wayplan/internal/route"
)

var (
	errMissingPlannerStore = errors.New("planner store dependency required")
	errMissingDispatcher   = errors.New("event dispatcher dependency required")
)

// Geocoder resolves free-text place queries; nil disables the lookup route.
type Geocoder interface {
	Search(query string, limit int) ([]geo.Candidate, error)
}

type Dependencies struct {
	Planner    *planner.Store
	Dispatcher *EventDispatcher
	Geocoder   Geocoder
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Planner == nil {
		return nil, errMissingPlannerStore
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		planner:    deps.Planner,
		dispatcher: deps.Dispatcher,
		geocoder:   deps.Geocoder,
		logger:     logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/api/session", handler.handleSession)

	router.POST("/api/places", handler.handleAddPlace)
	router.PATCH("/api/places/:id", handler.handleEditPlace)
	router.DELETE("/api/places/:id", handler.handleRemovePlace)
	router.POST("/api/places/:id/toggle", handler.handleTogglePending)
	router.POST("/api/places/reorder", handler.handleReorder)

	router.POST("/api/route/optimize", handler.handleOptimizeRoute)
	router.GET("/api/route/summary", handler.handleRouteSummary)

	router.PUT("/api/settings", handler.handleUpdateSettings)
	router.PUT("/api/segments", handler.handleSetSegment)

	router.GET("/api/schemes", handler.handleListSchemes)
	router.POST("/api/schemes", handler.handleSaveScheme)
	router.POST("/api/schemes/:id/load", handler.handleLoadScheme)
	router.DELETE("/api/schemes/:id", handler.handleDeleteScheme)

	router.GET("/api/export", handler.handleExport)
	router.POST("/api/import", handler.handleImport)

	router.GET("/api/geocode", handler.handleGeocode)
	router.GET("/api/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	planner    *planner.Store
	dispatcher *EventDispatcher
	geocoder   Geocoder
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": h.planner.Session(),
		"dirty":   h.planner.Dirty(),
	})
}

type placePayload struct {
	Name       string  `json:"name"`
	Address    string  `json:"address"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	CustomName string  `json:"customName"`
	Notes      string  `json:"notes"`
	IsPending  bool    `json:"isPending"`
}

func (h *httpHandler) handleAddPlace(c *gin.Context) {
	var request placePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	place, err := h.planner.AddPlace(c.Request.Context(), planner.PlaceDraft{
		Name:       request.Name,
		Address:    request.Address,
		Lat:        request.Lat,
		Lng:        request.Lng,
		CustomName: request.CustomName,
		Notes:      request.Notes,
		IsPending:  request.IsPending,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, place)
}

type placeEditPayload struct {
	CustomName *string `json:"customName"`
	Notes      *string `json:"notes"`
}

func (h *httpHandler) handleEditPlace(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var request placeEditPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	place, err := h.planner.EditPlace(c.Request.Context(), id, planner.PlaceEdit{
		CustomName: request.CustomName,
		Notes:      request.Notes,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, place)
}

func (h *httpHandler) handleRemovePlace(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.planner.RemovePlace(c.Request.Context(), id); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTogglePending(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	place, err := h.planner.TogglePendingStatus(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, place)
}

type reorderPayload struct {
	DraggedID int64 `json:"draggedId"`
	TargetID  int64 `json:"targetId"`
}

func (h *httpHandler) handleReorder(c *gin.Context) {
	var request reorderPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.planner.Reorder(c.Request.Context(), request.DraggedID, request.TargetID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"travelList": h.planner.Session().TravelList})
}

func (h *httpHandler) handleOptimizeRoute(c *gin.Context) {
	if err := h.planner.OptimizeRoute(c.Request.Context()); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"travelList": h.planner.Session().TravelList})
}

func (h *httpHandler) handleRouteSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.planner.Summary())
}

func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	var request planner.AppSettings
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.planner.UpdateSettings(c.Request.Context(), request); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.planner.Session().Settings)
}

type segmentPayload struct {
	FromID   int64  `json:"fromId"`
	ToID     int64  `json:"toId"`
	Provider string `json:"provider"`
}

func (h *httpHandler) handleSetSegment(c *gin.Context) {
	var request segmentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.planner.SetSegmentProvider(c.Request.Context(), request.FromID, request.ToID, request.Provider); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListSchemes(c *gin.Context) {
	schemes, err := h.planner.Schemes(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schemes": schemes})
}

type saveSchemePayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleSaveScheme(c *gin.Context) {
	var request saveSchemePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scheme, err := h.planner.SaveAsNewScheme(c.Request.Context(), request.Name)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, scheme)
}

func (h *httpHandler) handleLoadScheme(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	discard := c.Query("discard") == "true"
	scheme, err := h.planner.LoadScheme(c.Request.Context(), id, discard)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, scheme)
}

func (h *httpHandler) handleDeleteScheme(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.planner.DeleteScheme(c.Request.Context(), id); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	backup, err := h.planner.ExportBackup(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=wayplan-backup.json")
	c.JSON(http.StatusOK, backup)
}

type importPayload struct {
	Backup      json.RawMessage             `json:"backup"`
	Resolutions map[string]planner.Decision `json:"resolutions"`
}

func (h *httpHandler) handleImport(c *gin.Context) {
	var request importPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Backup) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	report, err := h.planner.ImportBackup(c.Request.Context(), request.Backup, resolverFromMap(request.Resolutions))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// resolverFromMap looks up a decision by the incoming scheme's uuid, then by
// its name; conflicts without a decision fall through to the defaults.
func resolverFromMap(resolutions map[string]planner.Decision) planner.Resolver {
	if len(resolutions) == 0 {
		return nil
	}
	return func(conflict planner.Conflict) planner.Decision {
		if decision, ok := resolutions[conflict.Incoming.UUID]; ok {
			return decision
		}
		if decision, ok := resolutions[conflict.Incoming.Name]; ok {
			return decision
		}
		return planner.DefaultResolver(conflict)
	}
}

func (h *httpHandler) handleGeocode(c *gin.Context) {
	if h.geocoder == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "geocoder_disabled"})
		return
	}
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query_required"})
		return
	}
	limit := 5
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 20 {
			limit = parsed
		}
	}

	candidates, err := h.geocoder.Search(query, limit)
	if err != nil {
		h.logger.Warn("geocode lookup failed", zap.String("query", query), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "geocode_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	stream, cancel := h.dispatcher.Subscribe(c.Request.Context())
	defer cancel()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, time.Now().UTC())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// renderError maps planner errors to HTTP statuses and machine-readable
// codes.
func (h *httpHandler) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, planner.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, planner.ErrNameConflict),
		errors.Is(err, planner.ErrUnsavedChanges):
		status = http.StatusConflict
	case errors.Is(err, planner.ErrEmptyList),
		errors.Is(err, planner.ErrInvalidPlace),
		errors.Is(err, planner.ErrInvalidSettings),
		errors.Is(err, planner.ErrInvalidFormat),
		errors.Is(err, planner.ErrInvalidResolution),
		errors.Is(err, route.ErrInsufficientPoints):
		status = http.StatusBadRequest
	}

	code := "internal_error"
	var serviceErr *planner.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func parseIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
