package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"

	"account_service/internal/metrics"
	"account_service/internal/service"
)

// vnMobilePhone accepts Vietnamese mobile numbers in 0xxxxxxxxx, 84xxxxxxxxx
// and +84xxxxxxxxx forms.
var vnMobilePhone = regexp.MustCompile(`^(\+84|84|0)(3|5|7|8|9)[0-9]{8}$`)

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=72"`
	Phone    string `json:"phoneNumber"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type resetRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required,min=6,max=72"`
}

// POST /api/auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectInput(c, metrics.EventRegister, err)

		return
	}

	phone := strings.TrimSpace(req.Phone)
	if phone != "" && !vnMobilePhone.MatchString(phone) {
		h.metrics.RecordAuthEvent(metrics.EventRegister, metrics.OutcomeRejected)

		newErrorResponse(c, http.StatusBadRequest, "phone number is not a valid Vietnamese mobile number")

		return
	}

	res, err := h.accounts.Register(c.Request.Context(), service.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Phone:    phone,
	})
	if err != nil {
		h.handleError(c, log, metrics.EventRegister, err)

		return
	}

	h.metrics.RecordAuthEvent(metrics.EventRegister, metrics.OutcomeSuccess)
	h.setSessionCookie(c, res.Token)

	c.JSON(http.StatusCreated, response{
		Success: true,
		Message: "account registered",
		Token:   res.Token,
		Data:    userData{User: res.Account},
	})
}

// POST /api/auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectInput(c, metrics.EventLogin, err)

		return
	}

	res, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.handleError(c, log, metrics.EventLogin, err)

		return
	}

	h.metrics.RecordAuthEvent(metrics.EventLogin, metrics.OutcomeSuccess)
	h.setSessionCookie(c, res.Token)

	c.JSON(http.StatusOK, response{
		Success: true,
		Message: "logged in",
		Token:   res.Token,
		Data:    userData{User: res.Account},
	})
}

// POST /api/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	id, ok := accountID(c)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, msgBadSession)

		return
	}

	if err := h.accounts.Logout(c.Request.Context(), id); err != nil {
		h.handleError(c, log, metrics.EventLogout, err)

		return
	}

	h.metrics.RecordAuthEvent(metrics.EventLogout, metrics.OutcomeSuccess)
	h.clearSessionCookie(c)

	c.JSON(http.StatusOK, response{Success: true, Message: "logged out"})
}

// GET /api/auth/me
func (h *Handler) Me(c *gin.Context) {
	const op = "handler.Me"

	log := h.log.With(slog.String("op", op))

	id, ok := accountID(c)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, msgBadSession)

		return
	}

	account, err := h.accounts.CurrentIdentity(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, log, metrics.EventSession, err)

		return
	}

	c.JSON(http.StatusOK, response{Success: true, Data: userData{User: account}})
}

// GET /api/admin/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	const op = "handler.GetAccount"

	log := h.log.With(slog.String("op", op))

	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		newErrorResponse(c, http.StatusBadRequest, msgBadAccountID)

		return
	}

	account, err := h.accounts.CurrentIdentity(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, log, metrics.EventAccountLookup, err)

		return
	}

	c.JSON(http.StatusOK, response{Success: true, Data: userData{User: account}})
}

// POST /api/auth/request-password-reset
func (h *Handler) RequestPasswordReset(c *gin.Context) {
	const op = "handler.RequestPasswordReset"

	log := h.log.With(slog.String("op", op))

	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectInput(c, metrics.EventResetRequest, err)

		return
	}

	if err := h.resets.RequestReset(c.Request.Context(), req.Email); err != nil {
		h.handleError(c, log, metrics.EventResetRequest, err)

		return
	}

	h.metrics.RecordAuthEvent(metrics.EventResetRequest, metrics.OutcomeSuccess)

	c.JSON(http.StatusOK, response{Success: true, Message: service.ResetRequestedMessage})
}

// POST /api/auth/reset-password
func (h *Handler) ResetPassword(c *gin.Context) {
	const op = "handler.ResetPassword"

	log := h.log.With(slog.String("op", op))

	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectInput(c, metrics.EventResetComplete, err)

		return
	}

	if err := h.resets.CompleteReset(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		h.handleError(c, log, metrics.EventResetComplete, err)

		return
	}

	h.metrics.RecordAuthEvent(metrics.EventResetComplete, metrics.OutcomeSuccess)

	c.JSON(http.StatusOK, response{
		Success: true,
		Message: "password has been reset, please log in with your new password",
	})
}

func (h *Handler) rejectInput(c *gin.Context, event string, err error) {
	h.metrics.RecordAuthEvent(event, metrics.OutcomeRejected)

	newErrorResponse(c, http.StatusBadRequest, validationMessage(err))
}

// validationMessage turns the first binding error into a client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}

	fe := verrs[0]
	switch fe.Field() {
	case "Email":
		return "please provide a valid email"
	case "Name":
		return "name is required"
	case "Token":
		return "token is required"
	case "Password", "NewPassword":
		if fe.Tag() == "required" {
			return "password is required"
		}
		return "password must be between 6 and 72 characters"
	}

	return fmt.Sprintf("%s is invalid", strings.ToLower(fe.Field()))
}

func (h *Handler) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(h.opts.CookieTTL/time.Second), "/", "", h.opts.SecureCookies, true)
}

// clearSessionCookie replaces the session cookie with an already expired one.
func (h *Handler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "none", -1, "/", "", h.opts.SecureCookies, true)
}
