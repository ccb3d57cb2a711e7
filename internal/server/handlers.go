package server

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/events"
	"github.com/staychain/bookingd/internal/group"
	"github.com/staychain/bookingd/internal/health"
	"github.com/staychain/bookingd/internal/idgen"
	"github.com/staychain/bookingd/internal/logging"
	"github.com/staychain/bookingd/internal/reward"
)

// createDealRequest registers one deal for settlement. The offer is the
// provider quote the customer accepted; the contract identifies the
// escrow instance the customer will fund.
type createDealRequest struct {
	Offer         deal.Offer       `json:"offer" binding:"required"`
	Contract      deal.NetworkInfo `json:"contract" binding:"required"`
	Value         string           `json:"value" binding:"required"`
	Asset         string           `json:"asset"`
	UserAddresses []string         `json:"userAddresses" binding:"required"`
	Passengers    []deal.Passenger `json:"passengers"`
}

// buildDeal validates a request and produces a pending deal.
func (s *Server) buildDeal(req *createDealRequest, groupID string) (*deal.Deal, string) {
	if req.Offer.ID == "" {
		return nil, "offer.id is required"
	}
	if !common.IsHexAddress(req.Contract.ContractAddress) {
		return nil, "contract.contractAddress must be a valid address"
	}
	if len(req.UserAddresses) == 0 {
		return nil, "at least one userAddress is required"
	}
	for _, addr := range req.UserAddresses {
		if !common.IsHexAddress(addr) {
			return nil, "userAddresses must be valid addresses"
		}
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok || value.Sign() <= 0 {
		return nil, "value must be a positive base-10 integer"
	}
	if req.Asset != "" && !common.IsHexAddress(req.Asset) {
		return nil, "asset must be a valid address"
	}

	now := time.Now()
	return &deal.Deal{
		ID:      idgen.WithPrefix("deal_"),
		Offer:   req.Offer,
		OfferID: req.Offer.ID,
		DealStorage: deal.DealStorage{
			Asset: req.Asset,
			Value: value.String(),
			State: deal.StateUninitialized,
		},
		Contract:      req.Contract,
		UserAddresses: req.UserAddresses,
		Passengers:    req.Passengers,
		GroupID:       groupID,
		Status:        deal.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, ""
}

// createDeal handles POST /v1/deals
func (s *Server) createDeal(c *gin.Context) {
	ctx := c.Request.Context()

	var req createDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, problem := s.buildDeal(&req, "")
	if problem != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": problem,
		})
		return
	}

	if err := s.deals.Create(ctx, d); err != nil {
		logging.FromContext(ctx).Error("failed to create deal", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create deal",
		})
		return
	}

	s.afterDealCreated(d)
	c.JSON(http.StatusCreated, d)
}

// afterDealCreated feeds the pipeline: an immediate first contract
// check, plus the created event.
func (s *Server) afterDealCreated(d *deal.Deal) {
	s.contractQueue.Enqueue(d.ID)
	events.Emit(s.hub, events.DealCreated, events.DealEvent{
		DealID:  d.ID,
		Status:  string(d.Status),
		GroupID: d.GroupID,
	})
}

// getDeal handles GET /v1/deals/:id
func (s *Server) getDeal(c *gin.Context) {
	d, err := s.deals.Get(c.Request.Context(), c.Param("id"))
	if err == deal.ErrDealNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Deal not found",
		})
		return
	}
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("failed to get deal", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get deal",
		})
		return
	}
	c.JSON(http.StatusOK, d)
}

// listDeals handles GET /v1/deals?status=paid&limit=50
func (s *Server) listDeals(c *gin.Context) {
	status := deal.Status(c.DefaultQuery("status", string(deal.StatusPending)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status must be one of pending, paid, booked, paymentError",
		})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 100
	}

	deals, err := s.deals.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("failed to list deals", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list deals",
		})
		return
	}
	if deals == nil {
		deals = []*deal.Deal{}
	}
	c.JSON(http.StatusOK, gin.H{
		"deals": deals,
		"count": len(deals),
	})
}

// getReward handles GET /v1/deals/:id/reward
func (s *Server) getReward(c *gin.Context) {
	r, err := s.rewards.GetByDeal(c.Request.Context(), c.Param("id"))
	if err == reward.ErrRewardNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reward recorded for this deal",
		})
		return
	}
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("failed to get reward", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get reward",
		})
		return
	}
	c.JSON(http.StatusOK, r)
}

// createGroupRequest registers a set of deals that settle together.
type createGroupRequest struct {
	Deals []createDealRequest `json:"deals" binding:"required"`
}

// createGroup handles POST /v1/groups
func (s *Server) createGroup(c *gin.Context) {
	ctx := c.Request.Context()

	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.Deals) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "a group needs at least two deals",
		})
		return
	}

	// Validate everything before writing anything.
	groupID := idgen.WithPrefix("grp_")
	deals := make([]*deal.Deal, 0, len(req.Deals))
	for i := range req.Deals {
		d, problem := s.buildDeal(&req.Deals[i], groupID)
		if problem != "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": problem,
			})
			return
		}
		deals = append(deals, d)
	}

	now := time.Now()
	g := &group.Group{
		ID:        groupID,
		Status:    group.StatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, d := range deals {
		g.DealIDs = append(g.DealIDs, d.ID)
	}

	// The group record goes first. Members point at it through GroupID,
	// and a member whose escrow funds before the record exists would
	// strand on the group queue; a partial member write below leaves a
	// resumable group instead of orphaned deals.
	if err := s.groups.Create(ctx, g); err != nil {
		logging.FromContext(ctx).Error("failed to create group", "groupId", groupID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create group",
		})
		return
	}
	for _, d := range deals {
		if err := s.deals.Create(ctx, d); err != nil {
			logging.FromContext(ctx).Error("failed to create group member",
				"groupId", groupID, "dealId", d.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to create group deals",
			})
			return
		}
	}

	for _, d := range deals {
		s.afterDealCreated(d)
	}
	events.Emit(s.hub, events.GroupStateChanged, events.GroupEvent{
		GroupID: g.ID,
		Status:  string(g.Status),
	})

	c.JSON(http.StatusCreated, gin.H{
		"group": g,
		"deals": deals,
	})
}

// getGroup handles GET /v1/groups/:id
func (s *Server) getGroup(c *gin.Context) {
	ctx := c.Request.Context()

	g, err := s.groups.Get(ctx, c.Param("id"))
	if err == group.ErrGroupNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Group not found",
		})
		return
	}
	if err != nil {
		logging.FromContext(ctx).Error("failed to get group", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get group",
		})
		return
	}

	members, err := s.deals.ListByGroup(ctx, g.ID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to list group members", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load group members",
		})
		return
	}
	if members == nil {
		members = []*deal.Deal{}
	}

	c.JSON(http.StatusOK, gin.H{
		"group": g,
		"deals": members,
	})
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "bookingd",
		"description": "Deal settlement and booking orchestration engine",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"provider":    s.cfg.ProviderName,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
