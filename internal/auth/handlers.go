// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package auth implements registration and login for managers and
// volunteers, including hardware-fingerprint-based volunteer
// deduplication.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/coordinator"
	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/errs"
	"github.com/yvespollah/coordinator/internal/model"
	"github.com/yvespollah/coordinator/internal/store"
	"github.com/yvespollah/coordinator/internal/token"
)

const (
	managersCollection   = "managers"
	volunteersCollection = "volunteers"

	accessTokenTTL  = 24 * time.Hour
	refreshTokenTTL = 168 * time.Hour
)

// Service wires the store and token service the handlers need.
type Service struct {
	*clog.CLogger
	store  store.Store
	tokens *token.Service
}

// New builds a Service backed by s and tokens.
func New(s store.Store, tokens *token.Service) *Service {
	return &Service{CLogger: clog.New("auth "), store: s, tokens: tokens}
}

// Register binds every auth handler to c.
func (svc *Service) Register(c *coordinator.Client) {
	c.Register("auth/register", svc.handleManagerRegister)
	c.Register("auth/login", svc.handleManagerLogin)
	c.Register("auth/volunteer_register", svc.handleVolunteerRegister)
	c.Register("auth/volunteer_login", svc.handleVolunteerLogin)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (svc *Service) respondError(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message, err error) {
	msg := "internal error"
	if e, ok := err.(*errs.Error); ok {
		msg = e.Message
	}
	svc.Errorf("auth: %s failed: %v", channel, err)
	c.Publish(channel, errorResponse{Status: "error", Message: msg}, coordinator.WithRequestID(req.RequestID))
}

func (svc *Service) handleManagerRegister(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	respChannel := "auth/register_response"

	var in registerRequest
	if err := req.DecodeData(&in); err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.New(errs.Validation, "Champ requis manquant: body"))
		return
	}
	if in.Username == "" {
		svc.respondError(ctx, c, respChannel, req, errs.MissingField("username"))
		return
	}
	if in.Email == "" {
		svc.respondError(ctx, c, respChannel, req, errs.MissingField("email"))
		return
	}
	if in.Password == "" {
		svc.respondError(ctx, c, respChannel, req, errs.MissingField("password"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
		return
	}

	mgr := model.Manager{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: string(hash),
		Status:       model.ManagerActive,
		RegisteredAt: time.Now().UTC(),
	}
	if err := svc.store.Insert(managersCollection, mgr.ID, mgr, "username", "email"); err != nil {
		var dup *store.DuplicateFieldError
		if errors.As(err, &dup) {
			svc.respondError(ctx, c, respChannel, req, errs.AlreadyUsed(dup.Field))
			return
		}
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
		return
	}

	c.Publish(respChannel, map[string]any{
		"status":     "success",
		"manager_id": mgr.ID,
	}, coordinator.WithRequestID(req.RequestID))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (svc *Service) handleManagerLogin(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	respChannel := "auth/login_response"

	var in loginRequest
	if err := req.DecodeData(&in); err != nil || in.Username == "" || in.Password == "" {
		svc.respondError(ctx, c, respChannel, req, errs.InvalidCredentials())
		return
	}

	var mgr model.Manager
	if err := svc.store.FindOne(managersCollection, "username", in.Username, &mgr); err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.InvalidCredentials())
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(mgr.PasswordHash), []byte(in.Password)) != nil {
		svc.respondError(ctx, c, respChannel, req, errs.InvalidCredentials())
		return
	}
	if mgr.Status != model.ManagerActive {
		svc.respondError(ctx, c, respChannel, req, errs.New(errs.Auth, "Identifiants invalides"))
		return
	}

	access, err := svc.tokens.Issue(mgr.ID, token.RoleManager, accessTokenTTL)
	if err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "login failed", err))
		return
	}
	refresh, err := svc.tokens.Issue(mgr.ID, token.RoleManager, refreshTokenTTL)
	if err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "login failed", err))
		return
	}

	now := time.Now().UTC()
	mgr.LastLogin = &now
	if err := svc.store.UpdateByID(managersCollection, mgr.ID, mgr, "username", "email"); err != nil {
		svc.Errorf("auth: recording last_login for %s failed: %v", mgr.ID, err)
	}

	c.Publish(respChannel, map[string]any{
		"status":        "success",
		"manager_id":    mgr.ID,
		"access_token":  access,
		"refresh_token": refresh,
	}, coordinator.WithRequestID(req.RequestID))

	// Published with the coordinator's own token (Publish's default), since
	// manager/status is a manager channel and this announcement is
	// privileged, not something the logging-in manager issued itself.
	c.Publish("manager/status", map[string]any{
		"manager_id":   mgr.ID,
		"status":       "online",
		"access_token": access,
	})
}

type volunteerRegisterRequest struct {
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	Name               string            `json:"name"`
	CPUModel           string            `json:"cpu_model"`
	CPUCores           int               `json:"cpu_cores"`
	TotalRAMMB         int               `json:"total_ram_mb"`
	AvailableStorageGB int               `json:"available_storage_gb"`
	OS                 string            `json:"os"`
	GPUAvailable       bool              `json:"gpu_available"`
	GPUModel           string            `json:"gpu_model"`
	GPUMemoryMB        int               `json:"gpu_memory_mb"`
	IP                 string            `json:"ip"`
	Port               int               `json:"port"`
	MachineFingerprint map[string]string `json:"machine_fingerprint"`
}

func (svc *Service) handleVolunteerRegister(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	respChannel := "auth/volunteer_register_response"

	var in volunteerRegisterRequest
	if err := req.DecodeData(&in); err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.New(errs.Validation, "Champ requis manquant: body"))
		return
	}
	if in.Username == "" {
		svc.respondError(ctx, c, respChannel, req, errs.MissingField("username"))
		return
	}

	var existing []model.Volunteer
	if err := svc.store.FindAll(volunteersCollection, &existing); err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
		return
	}

	projections := make([]volunteerFingerprint, len(existing))
	for i, v := range existing {
		projections[i] = volunteerFingerprint{ID: v.ID, Fingerprint: v.MachineFingerprint}
	}

	now := time.Now().UTC()
	if matchID, ok := findFingerprintMatch(projections, in.MachineFingerprint); ok {
		var v model.Volunteer
		if err := svc.store.FindOne(volunteersCollection, "id", matchID, &v); err != nil {
			svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
			return
		}
		v.Username = in.Username
		v.Name = in.Name
		v.IP = in.IP
		v.Status = model.VolunteerAvailable
		v.LastActivity = now
		if err := svc.store.UpdateByID(volunteersCollection, v.ID, v, "username"); err != nil && !errors.Is(err, store.ErrDuplicate) {
			svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
			return
		}
		tok, err := svc.tokens.Issue(v.ID, token.RoleVolunteer, accessTokenTTL)
		if err != nil {
			svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
			return
		}
		c.Publish(respChannel, map[string]any{
			"status":       "success",
			"volunteer_id": v.ID,
			"is_update":    true,
			"access_token": tok,
		}, coordinator.WithRequestID(req.RequestID))
		c.Publish("volunteer/register_response", map[string]any{
			"status":       "success",
			"volunteer_id": v.ID,
			"username":     v.Username,
			"is_update":    true,
		}, coordinator.WithRequestID(req.RequestID))
		return
	}

	v := model.Volunteer{
		ID:                 uuid.NewString(),
		Username:           in.Username,
		Name:               in.Name,
		CPUModel:           in.CPUModel,
		CPUCores:           in.CPUCores,
		TotalRAMMB:         in.TotalRAMMB,
		AvailableStorageGB: in.AvailableStorageGB,
		OS:                 in.OS,
		GPUAvailable:       in.GPUAvailable,
		GPUModel:           in.GPUModel,
		GPUMemoryMB:        in.GPUMemoryMB,
		IP:                 in.IP,
		Port:               in.Port,
		Status:             model.VolunteerAvailable,
		LastActivity:       now,
		MachineFingerprint: in.MachineFingerprint,
	}
	if in.Password != "" {
		v.PasswordHash = in.Password
	}

	if err := svc.store.Insert(volunteersCollection, v.ID, v, "username"); err != nil {
		var dup *store.DuplicateFieldError
		if errors.As(err, &dup) {
			svc.respondError(ctx, c, respChannel, req, errs.AlreadyUsed(dup.Field))
			return
		}
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
		return
	}

	tok, err := svc.tokens.Issue(v.ID, token.RoleVolunteer, accessTokenTTL)
	if err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "registration failed", err))
		return
	}

	c.Publish(respChannel, map[string]any{
		"status":       "success",
		"volunteer_id": v.ID,
		"is_update":    false,
		"access_token": tok,
	}, coordinator.WithRequestID(req.RequestID))
	c.Publish("volunteer/register_response", map[string]any{
		"status":       "success",
		"volunteer_id": v.ID,
		"username":     v.Username,
		"is_update":    false,
	}, coordinator.WithRequestID(req.RequestID))
}

func (svc *Service) handleVolunteerLogin(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	respChannel := "auth/volunteer_login_response"

	var in loginRequest
	if err := req.DecodeData(&in); err != nil || in.Username == "" {
		svc.respondError(ctx, c, respChannel, req, errs.InvalidCredentials())
		return
	}

	var v model.Volunteer
	if err := svc.store.FindOne(volunteersCollection, "username", in.Username, &v); err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.InvalidCredentials())
		return
	}
	// Volunteer passwords are machine-generated UUIDs: constant-time
	// comparison is sufficient in place of a slow hash.
	if subtle.ConstantTimeCompare([]byte(v.PasswordHash), []byte(in.Password)) != 1 {
		svc.respondError(ctx, c, respChannel, req, errs.InvalidCredentials())
		return
	}

	tok, err := svc.tokens.Issue(v.ID, token.RoleVolunteer, accessTokenTTL)
	if err != nil {
		svc.respondError(ctx, c, respChannel, req, errs.Wrap(errs.Storage, "login failed", err))
		return
	}

	v.LastActivity = time.Now().UTC()
	v.Status = model.VolunteerAvailable
	if err := svc.store.UpdateByID(volunteersCollection, v.ID, v, "username"); err != nil {
		svc.Errorf("auth: updating volunteer %s after login failed: %v", v.ID, err)
	}

	c.Publish(respChannel, map[string]any{
		"status":       "success",
		"volunteer_id": v.ID,
		"access_token": tok,
	}, coordinator.WithRequestID(req.RequestID))
}
