package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantauth/internal/auth"
	"tenantauth/internal/middleware"
	"tenantauth/internal/notify"
	"tenantauth/internal/service"
	"tenantauth/internal/tenant"
	"tenantauth/internal/util"
)

const (
	headerEndUserIP    = "X-End-User-IP"
	headerEndUserAgent = "X-End-User-Agent"
)

func (h *Handlers) scope(w http.ResponseWriter, r *http.Request) (tenant.Scope, bool) {
	sc, err := tenant.MustFromContext(r.Context())
	if err != nil {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "application credential required", middleware.RequestID(r.Context()))
		return tenant.Scope{}, false
	}
	return sc, true
}

// endUser returns the address and agent of the person behind the call. The
// tenant backend forwards them in headers; direct callers are used as-is.
func (h *Handlers) endUser(r *http.Request) (string, string) {
	ip := strings.TrimSpace(r.Header.Get(headerEndUserIP))
	if ip == "" {
		ip = middleware.ClientIP(r, h.cfg.TrustProxy)
	}
	ua := strings.TrimSpace(r.Header.Get(headerEndUserAgent))
	if ua == "" {
		ua = r.UserAgent()
	}
	if len(ua) > 512 {
		ua = ua[:512]
	}
	return ip, ua
}

// mint returns n fresh secrets and their hashes.
func (h *Handlers) mint(n int) ([]string, []string, error) {
	raws := make([]string, n)
	hashes := make([]string, n)
	for i := 0; i < n; i++ {
		raw, hash, err := h.tokens.NewOpaqueToken()
		if err != nil {
			return nil, nil, err
		}
		raws[i], hashes[i] = raw, hash
	}
	return raws, hashes, nil
}

// padded waits out the rest of the minimum response time measured from
// start, so timing does not tell callers which branch ran.
func (h *Handlers) padded(r *http.Request, start time.Time) {
	h.sleep(r.Context(), h.cfg.RegisterMinResponse-time.Since(start))
}

func (h *Handlers) deliver(r *http.Request, m notify.Message) {
	if m.To == "" {
		return
	}
	if err := h.sender.Send(r.Context(), m); err != nil {
		h.log.Error("notification failed",
			zap.String("request_id", middleware.RequestID(r.Context())),
			zap.String("kind", string(m.Kind)),
			zap.String("tenant", m.Tenant),
			zap.Error(err))
	}
}

func passwordHashFrom(password, passwordHash string) (string, error) {
	switch {
	case passwordHash != "" && password != "":
		return "", fmt.Errorf("%w: send either password or password_hash", service.ErrInvalidInput)
	case passwordHash != "":
		return passwordHash, nil
	case password == "":
		return "", fmt.Errorf("%w: password required", service.ErrInvalidInput)
	case len(password) > 1024:
		return "", fmt.Errorf("%w: password too long", service.ErrInvalidInput)
	default:
		return auth.HashPassword(password)
	}
}

type registerRequest struct {
	Email     ciphertextInput `json:"email"`
	EmailHash string          `json:"email_hash"`
	DeliverTo string          `json:"deliver_to"`
}

// Register answers the same way whether or not the address is taken.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	ip, ua := h.endUser(r)
	pending, err := h.svc.RegisterPending(r.Context(), sc, req.Email.model(), req.EmailHash, ip, ua)
	switch {
	case err == nil:
		h.deliver(r, notify.Message{Kind: notify.KindVerification, Tenant: sc.Slug(), To: req.DeliverTo, Secret: pending.Secret, ExpiresAt: pending.ExpiresAt})
	case errors.Is(err, service.ErrConflict):
		h.log.Info("registration for known address",
			zap.String("request_id", middleware.RequestID(r.Context())), zap.String("tenant", sc.Slug()))
	default:
		h.padded(r, start)
		h.writeServiceError(w, r, err)
		return
	}
	h.padded(r, start)
	util.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "pending_verification"})
}

type passwordRequest struct {
	Token        string `json:"token"`
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
}

func (h *Handlers) ConfirmRegistration(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	hash, err := passwordHashFrom(req.Password, req.PasswordHash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ip, ua := h.endUser(r)
	userID, err := h.svc.ConfirmPending(r.Context(), sc, req.Token, hash, ip, ua)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]string{"user_id": userID})
}

type loginRequest struct {
	EmailHash string       `json:"email_hash"`
	Password  string       `json:"password"`
	Device    *deviceInput `json:"device"`
}

type challengeView struct {
	Status         string    `json:"status"`
	UserID         string    `json:"user_id"`
	ChallengeToken string    `json:"challenge_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	raws, hashes, err := h.mint(3)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ip, ua := h.endUser(r)
	res, err := h.svc.Login(r.Context(), sc, service.LoginRequest{
		EmailHash:     req.EmailHash,
		Password:      req.Password,
		IP:            ip,
		UserAgent:     ua,
		AccessHash:    hashes[0],
		RefreshHash:   hashes[1],
		ChallengeHash: hashes[2],
		Device:        req.Device.info(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if res.Challenge != nil {
		util.WriteJSON(w, http.StatusOK, challengeView{
			Status:         "mfa_required",
			UserID:         res.UserID,
			ChallengeToken: raws[2],
			ExpiresAt:      res.Challenge.ExpiresAt,
		})
		return
	}
	util.WriteJSON(w, http.StatusOK, viewGrant(*res.Session, raws[0], raws[1]))
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	raws, hashes, err := h.mint(2)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	grant, err := h.svc.Refresh(r.Context(), sc, req.RefreshToken, hashes[0], hashes[1])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, viewGrant(grant, raws[0], raws[1]))
}

type challengeRequest struct {
	ChallengeToken string       `json:"challenge_token"`
	Code           string       `json:"code,omitempty"`
	Device         *deviceInput `json:"device,omitempty"`
}

// ResolveChallenge hands the encrypted TOTP secret to the tenant backend,
// which verifies the user's code before completing the challenge.
func (h *Handlers) ResolveChallenge(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req challengeRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	st, err := h.svc.ResolveChallenge(r.Context(), sc, req.ChallengeToken)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":     st.UserID,
		"session_id":  st.SessionID,
		"totp_secret": ciphertextInput{Data: st.Secret.Secret.Data, KeyVersion: st.Secret.Secret.KeyVersion},
		"expires_at":  st.ExpiresAt,
	})
}

func (h *Handlers) CompleteChallenge(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req challengeRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	h.completeChallenge(w, r, sc, req, "")
}

func (h *Handlers) CompleteChallengeWithBackupCode(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req challengeRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Code == "" {
		badRequest(w, r, "code is required")
		return
	}
	h.completeChallenge(w, r, sc, req, req.Code)
}

// completeChallenge also redeems backupCode when it is non-empty.
func (h *Handlers) completeChallenge(w http.ResponseWriter, r *http.Request, sc tenant.Scope, req challengeRequest, backupCode string) {
	raws, hashes, err := h.mint(2)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ip, ua := h.endUser(r)
	sreq := service.SessionRequest{
		AccessHash:  hashes[0],
		RefreshHash: hashes[1],
		IP:          ip,
		UserAgent:   ua,
		Device:      req.Device.info(),
	}
	var grant service.SessionGrant
	if backupCode != "" {
		grant, err = h.svc.CompleteChallengeWithBackupCode(r.Context(), sc, req.ChallengeToken, backupCode, sreq)
	} else {
		grant, err = h.svc.CompleteChallenge(r.Context(), sc, req.ChallengeToken, sreq)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, viewGrant(grant, raws[0], raws[1]))
}

// RequestPasswordReset answers the same way for unknown addresses.
func (h *Handlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req struct {
		EmailHash string `json:"email_hash"`
		DeliverTo string `json:"deliver_to"`
	}
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	issue, err := h.svc.IssuePasswordReset(r.Context(), sc, req.EmailHash)
	switch {
	case err == nil:
		h.deliver(r, notify.Message{Kind: notify.KindPasswordReset, Tenant: sc.Slug(), To: req.DeliverTo, Secret: issue.Secret, ExpiresAt: issue.ExpiresAt})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrSuspended),
		errors.Is(err, service.ErrLocked), errors.Is(err, service.ErrInvalidCredentials):
	default:
		h.padded(r, start)
		h.writeServiceError(w, r, err)
		return
	}
	h.padded(r, start)
	util.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handlers) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	hash, err := passwordHashFrom(req.Password, req.PasswordHash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	userID, err := h.svc.ConsumePasswordReset(r.Context(), sc, req.Token, hash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (h *Handlers) ConfirmRecoveryEmail(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	userID, err := h.svc.ConfirmRecoveryEmail(r.Context(), sc, req.Token)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}
