// Package api provides HTTP handlers for the orchestration endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/skill"
	"github.com/skyagarwal/mangwale-core/internal/util"
)

// chatRequest is one inbound web chat message. The token identifies the
// anonymous browser session; it is never interpreted as a phone number.
// A request without a token starts a fresh session with a minted one.
type chatRequest struct {
	Token       string              `json:"token"`
	MessageID   string              `json:"message_id,omitempty"`
	Text        string              `json:"text"`
	Attachments *models.Attachments `json:"attachments,omitempty"`
}

// chatResponse echoes the effective session token so a first-contact
// client learns the token it must carry on subsequent requests.
type chatResponse struct {
	Token string `json:"token"`
	*models.DispatchResult
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatHandler: processing chat request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		req.Token = util.GenerateSessionToken()
		slog.Debug("Server.chatHandler: minted session token", "token", req.Token)
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	env := models.Envelope{
		MessageID:   req.MessageID,
		RecipientID: req.Token,
		Text:        req.Text,
		Attachments: req.Attachments,
		Time:        time.Now().Unix(),
	}
	result, err := s.gw.Handle(r.Context(), models.ChannelWeb, env)
	if err != nil {
		if errors.Is(err, models.ErrUnresolvedIdentity) || errors.Is(err, models.ErrEmptyRecipient) || errors.Is(err, models.ErrMessageTooLong) {
			slog.Warn("Server.chatHandler: rejected request", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.chatHandler: dispatch failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	slog.Info("Server.chatHandler: message processed", "session", result.SessionKey, "duplicate", result.Duplicate)
	writeJSONResponse(w, http.StatusOK, models.Success(chatResponse{Token: req.Token, DispatchResult: result}))
}

func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.pollHandler: processing poll request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: token"))
		return
	}

	pending, err := s.gw.PollPending(models.AnonymousIdentity(token).Key())
	if err != nil {
		slog.Error("Server.pollHandler: failed to drain pending messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch messages"))
		return
	}
	if pending == nil {
		pending = []models.PendingMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pending))
}

// paymentSignalRequest is the payment gateway's server-to-server
// callback reporting the outcome of a charge the payment_initiate
// executor started. The session key is the callback reference handed to
// the gateway at initiation time.
type paymentSignalRequest struct {
	SessionKey string `json:"session_key"`
	Status     string `json:"status"`
}

func (s *Server) paymentSignalHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.paymentSignalHandler: processing payment callback", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req paymentSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.paymentSignalHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: session_key"))
		return
	}
	var event string
	switch req.Status {
	case "success":
		event = skill.EventPaymentSuccess
	case "failed":
		event = skill.EventPaymentFailed
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown payment status: "+req.Status))
		return
	}

	if err := s.gw.SignalPayment(r.Context(), req.SessionKey, event); err != nil {
		slog.Error("Server.paymentSignalHandler: signal failed", "error", err, "session", req.SessionKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to deliver payment signal"))
		return
	}
	slog.Info("Server.paymentSignalHandler: payment signal delivered", "session", req.SessionKey, "status", req.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Signal accepted", req.SessionKey))
}

func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		rules, err := s.store.ListRoutingRules(r.Context())
		if err != nil {
			slog.Error("Server.rulesHandler: failed to list rules", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list rules"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(rules))
	case http.MethodPost:
		s.ruleSaveHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) ruleSaveHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		slog.Warn("Server.ruleSaveHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if rule.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
		return
	}
	if !models.IsValidRuleType(rule.Type) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown rule type: "+string(rule.Type)))
		return
	}
	// Reject a broken pattern here rather than having the router skip
	// it silently on every evaluation.
	if rule.Type == models.RuleTypePattern {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid pattern: "+err.Error()))
			return
		}
	}
	rule.UpdatedAt = time.Now()

	if err := s.store.SaveRoutingRule(rule); err != nil {
		slog.Error("Server.ruleSaveHandler: failed to save rule", "error", err, "rule", rule.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save rule"))
		return
	}
	if err := s.cache.Invalidate(r.Context()); err != nil {
		slog.Warn("Server.ruleSaveHandler: cache refresh failed after save", "error", err)
	}
	slog.Info("Server.ruleSaveHandler: rule saved", "rule", rule.Name, "type", rule.Type)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule saved", rule.Name))
}

func (s *Server) ruleDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/admin/rules/")
	if name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing rule name"))
		return
	}
	if err := s.store.DeleteRoutingRule(name); err != nil {
		slog.Error("Server.ruleDeleteHandler: failed to delete rule", "error", err, "rule", name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete rule"))
		return
	}
	if err := s.cache.Invalidate(r.Context()); err != nil {
		slog.Warn("Server.ruleDeleteHandler: cache refresh failed after delete", "error", err)
	}
	slog.Info("Server.ruleDeleteHandler: rule deleted", "rule", name)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule deleted", name))
}

func (s *Server) ruleRefreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.cache.Invalidate(r.Context()); err != nil {
		slog.Error("Server.ruleRefreshHandler: refresh failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to refresh rules"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rules refreshed", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "mangwale-core"}))
}
