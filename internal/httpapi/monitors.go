package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/monshm"
)

const defaultAliveMaxDelay = 30 * time.Second

// withMonitor runs fn against the monitor's shared-memory handle. The
// region is mapped on first access and held for the life of the process;
// the mapping is shared, so daemon updates show up without remapping.
// Holding the lock across fn serializes trigger writes to the region.
func (s *Server) withMonitor(c *gin.Context, fn func(*monshm.Monitor) error) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	s.shmMu.Lock()
	defer s.shmMu.Unlock()
	mon, ok := s.shm[id]
	if !ok {
		var err error
		mon, err = monshm.Connect(id, s.cfg.Shm.Base, s.cfg.Shm.Prefix)
		if err != nil {
			respondError(c, err)
			return
		}
		s.shm[id] = mon
	}
	if err := fn(mon); err != nil {
		respondError(c, err)
	}
}

// closeMonitors unmaps all cached shared-memory handles at shutdown.
func (s *Server) closeMonitors() {
	s.shmMu.Lock()
	defer s.shmMu.Unlock()
	for id, mon := range s.shm {
		if err := mon.Close(); err != nil {
			logger.Warn("HTTP", "Unmap monitor %d: %v", id, err)
		}
		delete(s.shm, id)
	}
}

func (s *Server) handleMonitorStatus(c *gin.Context) {
	s.withMonitor(c, func(mon *monshm.Monitor) error {
		c.JSON(http.StatusOK, mon.Snapshot())
		return nil
	})
}

func (s *Server) handleMonitorAlive(c *gin.Context) {
	s.withMonitor(c, func(mon *monshm.Monitor) error {
		maxDelay := defaultAliveMaxDelay
		if v := c.Query("max_delay"); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "max_delay must be a positive integer", "kind": "invalid_request"})
				return nil
			}
			maxDelay = time.Duration(secs) * time.Second
		}
		c.JSON(http.StatusOK, gin.H{
			"monitor_id": mon.ID,
			"alive":      mon.IsAlive(maxDelay),
		})
		return nil
	})
}

type triggerRequest struct {
	Score    uint32 `json:"score"`
	Cause    string `json:"cause"`
	Text     string `json:"text"`
	ShowText string `json:"showtext"`
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
		return
	}
	s.withMonitor(c, func(mon *monshm.Monitor) error {
		if err := mon.TriggerAlarm(req.Score, req.Cause, req.Text, req.ShowText); err != nil {
			return err
		}
		s.metrics.TriggersWritten.Add(1)
		c.JSON(http.StatusOK, gin.H{"monitor_id": mon.ID, "trigger_state": mon.TriggerState().String()})
		return nil
	})
}

func (s *Server) handleTriggerCancel(c *gin.Context) {
	s.withMonitor(c, func(mon *monshm.Monitor) error {
		if err := mon.CancelAlarm(); err != nil {
			return err
		}
		s.metrics.TriggersWritten.Add(1)
		c.JSON(http.StatusOK, gin.H{"monitor_id": mon.ID, "trigger_state": mon.TriggerState().String()})
		return nil
	})
}

func (s *Server) handleTriggerDisable(c *gin.Context) {
	s.withMonitor(c, func(mon *monshm.Monitor) error {
		if err := mon.DisableTriggers(); err != nil {
			return err
		}
		s.metrics.TriggersWritten.Add(1)
		c.JSON(http.StatusOK, gin.H{"monitor_id": mon.ID, "trigger_state": mon.TriggerState().String()})
		return nil
	})
}
