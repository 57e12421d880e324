// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/mooring/internal/compose"
	"github.com/AleutianAI/mooring/internal/lifecycle"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/util"
)

// startTimeout bounds a background start. First runs download the full
// source archive, so this is far above the usual compose timeout.
const startTimeout = 45 * time.Minute

// =============================================================================
// Request Types
// =============================================================================

type createRequest struct {
	Name       string `json:"name" binding:"required"`
	Version    string `json:"version"`
	PublicPort int    `json:"publicPort" binding:"omitempty,min=1024,max=65535"`
	DBPort     int    `json:"dbPort" binding:"omitempty,min=1024,max=65535"`
}

type updateRequest struct {
	Name       *string `json:"name"`
	PublicPort *int    `json:"publicPort" binding:"omitempty,min=1024,max=65535"`
	DBPort     *int    `json:"dbPort" binding:"omitempty,min=1024,max=65535"`
}

type duplicateRequest struct {
	Name       string `json:"name" binding:"required"`
	PublicPort int    `json:"publicPort" binding:"omitempty,min=1024,max=65535"`
}

// =============================================================================
// Health and Discovery
// =============================================================================

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVersions(c *gin.Context) {
	defaultTag := s.catalog.Default().Tag
	versions := s.catalog.List()
	out := make([]gin.H, 0, len(versions))
	for _, v := range versions {
		out = append(out, gin.H{
			"tag":     v.Tag,
			"name":    v.Name,
			"default": v.Tag == defaultTag,
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": out})
}

func (s *Server) handleRuntime(c *gin.Context) {
	avail := s.orch.RuntimeAvailable(c.Request.Context(), c.Query("force") == "true")
	c.JSON(http.StatusOK, gin.H{
		"available": avail.Available,
		"runtime":   avail.Runtime,
		"version":   avail.Version,
		"reason":    avail.Reason,
		"checkedAt": avail.CheckedAt,
	})
}

func (s *Server) handleReconcile(c *gin.Context) {
	summary, err := s.rec.Reconcile(c.Request.Context(), c.Query("force") == "true")
	s.metrics.RecordReconcile(summary.Changed, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"skipped": summary.Skipped,
		"checked": summary.Checked,
		"changed": summary.Changed,
		"failed":  summary.Failed,
	})
}

// =============================================================================
// Project CRUD
// =============================================================================

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	begin := time.Now()
	rec, err := s.orch.Create(c.Request.Context(), lifecycle.CreateSpec{
		Name:       req.Name,
		Version:    req.Version,
		PublicPort: req.PublicPort,
		DBPort:     req.DBPort,
	})
	s.metrics.RecordOperation(OpCreate, begin, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleList(c *gin.Context) {
	records, err := s.store.List()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": records})
}

func (s *Server) handleGet(c *gin.Context) {
	rec, err := s.resolve(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleUpdate(c *gin.Context) {
	rec, err := s.resolve(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	begin := time.Now()
	updated, err := s.orch.Update(c.Request.Context(), rec.ID, lifecycle.UpdateSpec{
		Name:       req.Name,
		PublicPort: req.PublicPort,
		DBPort:     req.DBPort,
	})
	s.metrics.RecordOperation(OpUpdate, begin, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDelete(c *gin.Context) {
	rec, err := s.resolve(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	begin := time.Now()
	err = s.orch.Delete(c.Request.Context(), rec.ID, nil)
	s.metrics.RecordOperation(OpDelete, begin, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": rec.ID})
}

// =============================================================================
// Lifecycle Operations
// =============================================================================

// handleStart launches the start in the background and answers 202. The
// shell polls the record; every phase transition and any progress is
// persisted there, so the response only needs to acknowledge the claim.
func (s *Server) handleStart(c *gin.Context) {
	rec, err := s.resolve(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if rec.Status.IsActive() {
		s.writeError(c, lifecycle.ErrOperationInFlight)
		return
	}

	id := rec.ID
	begin := time.Now()
	s.metrics.ActiveOperations.Inc()
	util.SafeGo(func() {
		defer s.metrics.ActiveOperations.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		err := s.orch.Start(ctx, id, nil)
		s.metrics.RecordOperation(OpStart, begin, err)
		if err != nil {
			// Already persisted on the record; log for the operator.
			s.log.Warn("background start failed", "project", id, "error", err)
		}
	}, func(p util.PanicReport) {
		s.metrics.ActiveOperations.Dec()
		s.log.Error("background start panicked", "project", id,
			"panic", p.Value, "stack", string(p.Stack))
	})

	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) handleStop(c *gin.Context) {
	rec, err := s.resolve(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	begin := time.Now()
	err = s.orch.Stop(c.Request.Context(), rec.ID, nil)
	s.metrics.RecordOperation(OpStop, begin, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	stopped, err := s.store.Get(rec.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stopped)
}

func (s *Server) handleDuplicate(c *gin.Context) {
	rec, err := s.resolve(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req duplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	begin := time.Now()
	clone, err := s.orch.Duplicate(c.Request.Context(), rec.ID, req.Name, req.PublicPort, nil)
	s.metrics.RecordOperation(OpDuplicate, begin, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, clone)
}

func (s *Server) handleLogs(c *gin.Context) {
	rec, err := s.resolve(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	tail := 200
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a positive integer"})
			return
		}
		tail = n
	}

	logs, err := s.orch.GetLogs(c.Request.Context(), rec.ID, tail)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": rec.ID, "logs": logs})
}

// =============================================================================
// Helpers
// =============================================================================

// resolve looks a project up by ID first, then by name.
func (s *Server) resolve(idOrName string) (*project.Record, error) {
	rec, err := s.store.Get(idOrName)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, project.ErrNotFound) {
		return nil, err
	}
	return s.store.GetByName(idOrName)
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, project.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, project.ErrConflict),
		errors.Is(err, lifecycle.ErrOperationInFlight):
		status = http.StatusConflict
	case errors.Is(err, project.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrRuntimeUnavailable):
		status = http.StatusServiceUnavailable
	}

	payload := gin.H{"error": err.Error()}
	var cerr *compose.ClassifiedError
	if errors.As(err, &cerr) && cerr.Remediation != "" {
		payload["remediation"] = cerr.Remediation
	}
	c.JSON(status, payload)
}
