package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rongwang/referral-server/internal/metrics"
	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/service"
)

// Handler serves the REST API on top of a Service
type Handler struct {
	service service.Service
	logger  *zap.Logger
}

// NewHandler creates a new Handler
func NewHandler(svc service.Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  logger,
	}
}

// SetupRoutes registers every route on the router
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")

	auth := v1.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/verify-otp", h.VerifyOTP)
		auth.POST("/login", h.Login)
	}

	session := v1.Group("/auth")
	session.Use(AuthMiddleware(h.service))
	{
		session.POST("/refresh", h.RefreshToken)
		session.POST("/logout", h.Logout)
	}

	user := v1.Group("")
	user.Use(AuthMiddleware(h.service))
	{
		user.GET("/me", h.Me)
		user.PUT("/me", h.UpdateProfile)
		user.GET("/incentives", h.GetOwnIncentives)
		user.GET("/profits", h.GetOwnProfit)
		user.GET("/team", h.GetTeam)
	}

	admin := v1.Group("/admin")
	admin.Use(AuthMiddleware(h.service), AdminMiddleware())
	{
		admin.POST("/profits", h.AddProfit)
		admin.GET("/profits", h.AdminListProfit)
		admin.GET("/incentives", h.AdminListIncentives)

		admin.GET("/users", h.ListUsers)
		admin.GET("/users/:id", h.GetUser)
		admin.DELETE("/users/:id", h.DeleteUser)
		admin.PATCH("/users/:id/role", h.UpdateUserRole)
		admin.PATCH("/users/:id/status", h.UpdateUserStatus)
		admin.PATCH("/users/:id/super-referral", h.SetSuperReferral)

		admin.DELETE("/users/:id/profits/:entryId", h.DeleteProfit)
		admin.POST("/users/:id/profits/:entryId/replay", h.ReplayProfit)
		admin.DELETE("/users/:id/incentives/:entryId", h.DeleteIncentiveEntry)
	}
}

// Health reports 503 while the user directory is unreachable
func (h *Handler) Health(c *gin.Context) {
	if err := h.service.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Status:  "error",
			Code:    "UNAVAILABLE",
			Message: "Database unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Auth handlers
func (h *Handler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if !h.bind(c, &req) {
		return
	}

	resp, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) VerifyOTP(c *gin.Context) {
	var req models.VerifyOTPRequest
	if !h.bind(c, &req) {
		return
	}

	resp, err := h.service.VerifyOTP(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if !h.bind(c, &req) {
		return
	}

	resp, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RefreshToken(c *gin.Context) {
	resp, err := h.service.RefreshToken(c.Request.Context(), c.GetString("userId"), c.GetString("tokenId"), c.GetTime("tokenExpiresAt"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.service.Logout(c.Request.Context(), c.GetString("tokenId"), c.GetTime("tokenExpiresAt")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse{Status: "success", Message: "Logged out successfully"})
}

// Self-service handlers
func (h *Handler) Me(c *gin.Context) {
	user, err := h.service.GetProfile(c.Request.Context(), c.GetString("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.UserResponse{Status: "success", User: user})
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var req models.UpdateProfileRequest
	if !h.bind(c, &req) {
		return
	}

	user, err := h.service.UpdateProfile(c.Request.Context(), c.GetString("userId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.UserResponse{Status: "success", User: user})
}

func (h *Handler) GetOwnIncentives(c *gin.Context) {
	resp, err := h.service.GetOwnIncentives(c.Request.Context(), c.GetString("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetOwnProfit(c *gin.Context) {
	resp, err := h.service.GetOwnProfit(c.Request.Context(), c.GetString("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetTeam(c *gin.Context) {
	resp, err := h.service.GetTeam(c.Request.Context(), c.GetString("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Profit entry handlers
func (h *Handler) AddProfit(c *gin.Context) {
	var req models.AddProfitRequest
	if !h.bind(c, &req) {
		return
	}

	resp, err := h.service.AddProfit(c.Request.Context(), req.UserID, req.ProfitAmount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) DeleteProfit(c *gin.Context) {
	resp, err := h.service.DeleteProfit(c.Request.Context(), c.Param("id"), c.Param("entryId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) DeleteIncentiveEntry(c *gin.Context) {
	var stage *models.Stage
	if raw := c.Query("stage"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.badRequest(c, "stage must be a number")
			return
		}
		s := models.Stage(n)
		stage = &s
	}

	resp, err := h.service.DeleteIncentiveEntry(c.Request.Context(), c.Param("id"), c.Param("entryId"), stage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ReplayProfit(c *gin.Context) {
	resp, err := h.service.ReplayProfit(c.Request.Context(), c.Param("id"), c.Param("entryId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Admin views
func (h *Handler) AdminListIncentives(c *gin.Context) {
	var query models.ListQuery
	if !h.bindQuery(c, &query) {
		return
	}

	resp, err := h.service.AdminListIncentives(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) AdminListProfit(c *gin.Context) {
	var query models.ListQuery
	if !h.bindQuery(c, &query) {
		return
	}

	resp, err := h.service.AdminListProfit(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Admin user management
func (h *Handler) ListUsers(c *gin.Context) {
	var query models.ListQuery
	if !h.bindQuery(c, &query) {
		return
	}

	resp, err := h.service.ListUsers(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.service.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.UserResponse{Status: "success", User: user})
}

func (h *Handler) DeleteUser(c *gin.Context) {
	if err := h.service.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse{Status: "success", Message: "User deleted"})
}

func (h *Handler) UpdateUserRole(c *gin.Context) {
	var req models.UpdateRoleRequest
	if !h.bind(c, &req) {
		return
	}

	user, err := h.service.UpdateUserRole(c.Request.Context(), c.Param("id"), req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.UserResponse{Status: "success", User: user})
}

func (h *Handler) UpdateUserStatus(c *gin.Context) {
	var req models.UpdateStatusRequest
	if !h.bind(c, &req) {
		return
	}

	user, err := h.service.UpdateUserStatus(c.Request.Context(), c.Param("id"), req.AccountStatus)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.UserResponse{Status: "success", User: user})
}

func (h *Handler) SetSuperReferral(c *gin.Context) {
	var req models.UpdateSuperReferralRequest
	if !h.bind(c, &req) {
		return
	}

	user, err := h.service.SetSuperReferral(c.Request.Context(), c.Param("id"), *req.SuperReferral)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.UserResponse{Status: "success", User: user})
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.badRequest(c, err.Error())
		return false
	}
	return true
}

func (h *Handler) bindQuery(c *gin.Context, query interface{}) bool {
	if err := c.ShouldBindQuery(query); err != nil {
		h.badRequest(c, err.Error())
		return false
	}
	return true
}

func (h *Handler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Status:  "error",
		Code:    "INVALID_REQUEST",
		Message: message,
	})
}

// respondError maps service errors onto HTTP responses
func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, service.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, service.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, service.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, service.ErrAlreadyExists):
		status, code = http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, service.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		message = "Internal server error"
	}

	c.JSON(status, models.ErrorResponse{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}
