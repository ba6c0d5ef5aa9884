package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cardoncue-api/internal/geo"
	"cardoncue-api/internal/models"
	"cardoncue-api/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RefreshHandler handles region refresh requests
type RefreshHandler struct {
	service RegionRefresher
	log     zerolog.Logger
}

// RegionRefresher is the service interface for dependency injection
type RegionRefresher interface {
	Refresh(context.Context, models.RefreshRequest) (models.RefreshResult, error)
}

// NewRefreshHandler creates a new region refresh handler
func NewRefreshHandler(svc RegionRefresher, log zerolog.Logger) *RefreshHandler {
	return &RefreshHandler{service: svc, log: log}
}

// refreshBody mirrors models.RefreshRequest with pointers so missing coordinates can be told
// apart from zero.
type refreshBody struct {
	Latitude            *float64 `json:"latitude"`
	Longitude           *float64 `json:"longitude"`
	MaxCount            int      `json:"maxCount"`
	PreferredNetworkIDs []string `json:"preferredNetworkIds"`
}

// RefreshQuery handles GET /v1/regions/refresh requests
//
//	@Summary	Refresh the watched region set
//	@Tags		regions
//	@Produce	json
//	@Param		lat			query		number	true	"Latitude"
//	@Param		lon			query		number	true	"Longitude"
//	@Param		max_count	query		int		false	"Maximum number of regions"
//	@Param		network_ids	query		string	false	"Comma separated preferred network ids"
//	@Success	200			{object}	models.RefreshResult
//	@Failure	400			{object}	map[string]string
//	@Failure	503			{object}	map[string]string
//	@Router		/v1/regions/refresh [get]
func (h *RefreshHandler) RefreshQuery(c *gin.Context) {
	latStr := c.Query("lat")
	lonStr := c.Query("lon")

	if latStr == "" || lonStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameters 'lat' and 'lon'"})
		return
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid latitude format"})
		return
	}

	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid longitude format"})
		return
	}

	req := models.RefreshRequest{
		Latitude:            lat,
		Longitude:           lon,
		PreferredNetworkIDs: splitIDs(c.Query("network_ids")),
	}

	// max_count=0 behaves like an omitted max_count: the capacity ceiling.
	if s := c.Query("max_count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_count format"})
			return
		}
		req.MaxCount = n
	}

	h.refresh(c, req)
}

// Refresh handles POST /v1/regions/refresh requests
//
//	@Summary	Refresh the watched region set
//	@Tags		regions
//	@Accept		json
//	@Produce	json
//	@Param		request	body		models.RefreshRequest	true	"Position and preferences"
//	@Success	200		{object}	models.RefreshResult
//	@Failure	400		{object}	map[string]string
//	@Failure	503		{object}	map[string]string
//	@Router		/v1/regions/refresh [post]
func (h *RefreshHandler) Refresh(c *gin.Context) {
	var body refreshBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if body.Latitude == nil || body.Longitude == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required fields 'latitude' and 'longitude'"})
		return
	}

	if body.MaxCount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maxCount"})
		return
	}

	h.refresh(c, models.RefreshRequest{
		Latitude:            *body.Latitude,
		Longitude:           *body.Longitude,
		MaxCount:            body.MaxCount,
		PreferredNetworkIDs: body.PreferredNetworkIDs,
	})
}

func (h *RefreshHandler) refresh(c *gin.Context, req models.RefreshRequest) {
	result, err := h.service.Refresh(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, geo.ErrInvalidPosition):
			c.JSON(http.StatusBadRequest, gin.H{"error": "latitude must be in [-90, 90] and longitude in [-180, 180]"})
		case errors.Is(err, geo.ErrInvalidMaxCount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "max count out of range"})
		case errors.Is(err, service.ErrCatalogUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog unavailable"})
		default:
			h.log.Error().Err(err).Msg("region refresh failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", result.CacheTTLSeconds))
	c.JSON(http.StatusOK, result)
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
