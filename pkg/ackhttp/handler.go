// Package ackhttp serves the acknowledgement endpoint that chaser links
// point at. It verifies the signed link, records completion against the
// system of record, and answers with a terminal plain-text page.
package ackhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/chip-edw/taskchaser/pkg/acklink"
	"github.com/chip-edw/taskchaser/pkg/store"
)

// Verifier is the slice of the link layer the handler needs.
type Verifier interface {
	Verify(ctx context.Context, q url.Values) (*acklink.Claims, error)
	GateVersion(c *acklink.Claims, storedVersion int) error
}

// TaskReader loads the projection row behind a tid-shape link.
type TaskReader interface {
	GetTask(ctx context.Context, taskID int64) (*store.Task, error)
}

// Completer marks the item complete at the system of record.
type Completer interface {
	MarkCompleted(ctx context.Context, listID, itemID, ackByName, ackByEmailOrUpn string) error
}

// Resolver yields the caller's identity, or nil for anonymous clicks.
type Resolver interface {
	Resolve(req *http.Request) *Identity
}

type Handler struct {
	verifier Verifier
	tasks    TaskReader
	sor      Completer
	identity Resolver
	log      *zap.Logger
}

func NewHandler(verifier Verifier, tasks TaskReader, sor Completer, identity Resolver, log *zap.Logger) *Handler {
	return &Handler{verifier: verifier, tasks: tasks, sor: sor, identity: identity, log: log}
}

// Register mounts the handler's routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ack", h.handleAck)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := h.verifier.Verify(ctx, r.URL.Query())
	switch {
	case err == nil:
	case errors.Is(err, acklink.ErrMalformed):
		http.Error(w, "missing or malformed parameters", http.StatusBadRequest)
		h.log.Info("ack rejected: malformed", zap.String("query", r.URL.RawQuery))
		return
	case errors.Is(err, acklink.ErrBadSignature):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		h.log.Info("ack rejected: bad signature")
		return
	case errors.Is(err, acklink.ErrExpired):
		http.Error(w, "this link has expired", http.StatusGone)
		h.log.Info("ack rejected: expired")
		return
	default:
		http.Error(w, "unexpected error", http.StatusInternalServerError)
		h.log.Error("ack verification failed", zap.Error(err))
		return
	}

	listID, itemID := claims.ListID, claims.ItemID
	if !claims.Legacy {
		task, err := h.tasks.GetTask(ctx, claims.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown task", http.StatusBadRequest)
			h.log.Info("ack rejected: unknown task", zap.Int64("taskId", claims.TaskID))
			return
		}
		if err != nil {
			http.Error(w, "unexpected error", http.StatusInternalServerError)
			h.log.Error("ack task lookup failed", zap.Error(err))
			return
		}
		if err := h.verifier.GateVersion(claims, task.AckVersion); err != nil {
			// A stale link is a superseded reminder, not a forgery.
			http.Error(w, "this link was superseded by a newer reminder", http.StatusGone)
			h.log.Info("ack rejected: replay",
				zap.Int64("taskId", claims.TaskID),
				zap.Int("linkVersion", claims.Version), zap.Int("storedVersion", task.AckVersion))
			return
		}
		listID, itemID = task.ListKey, task.SpItemID
	}

	name, handle := "", ""
	if id := h.identity.Resolve(r); id != nil {
		name, handle = id.DisplayName, id.BestHandle()
	}

	// A failed mark is logged but the click still succeeds: the next tick
	// reads the true state and either moves on or chases again.
	if err := h.sor.MarkCompleted(ctx, listID, itemID, name, handle); err != nil {
		h.log.Error("mark completed failed",
			zap.String("list", listID), zap.String("item", itemID), zap.Error(err))
	} else {
		h.log.Info("task acknowledged",
			zap.String("list", listID), zap.String("item", itemID), zap.String("by", name))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Acknowledged. You can close this window.")
}
