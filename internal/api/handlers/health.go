package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kestrelproxy/kestrel/internal/api/models"
	"github.com/kestrelproxy/kestrel/internal/upstream"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health godoc
// @Summary Overall health summary
// @Description Returns the status of every configured upstream group and its servers. Add ?format=text for a plain-text rendering.
// @Tags health
// @Produce json,plain
// @Success 200 {object} models.HealthSummaryResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	resp := models.HealthSummaryResponse{Status: "ok"}
	for _, g := range h.pool.All() {
		resp.Groups = append(resp.Groups, groupHealth(g))
		for _, s := range g.Servers() {
			if s.Status() == upstream.StatusDown {
				resp.Status = "degraded"
			}
		}
	}

	if c.Query("format") == "text" {
		c.String(http.StatusOK, renderHealthText(resp))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UpstreamHealth godoc
// @Summary Health of a single upstream group
// @Tags health
// @Produce json
// @Success 200 {object} models.GroupHealth
// @Failure 404 {object} models.ErrorResponse
// @Router /health/upstream/{name} [get]
func (h *Handler) UpstreamHealth(c *gin.Context) {
	name := c.Param("name")
	g, ok := h.pool.Group(name)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown upstream group"})
		return
	}
	c.JSON(http.StatusOK, groupHealth(g))
}

// ServerHealthDetail godoc
// @Summary Health detail and probe history of a single server
// @Tags health
// @Produce json
// @Success 200 {object} models.ServerHealthDetailResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /health/server/{address} [get]
func (h *Handler) ServerHealthDetail(c *gin.Context) {
	address := c.Param("address")
	server, group, ok := h.findServer(address)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown server"})
		return
	}

	resp := models.ServerHealthDetailResponse{ServerHealth: serverHealth(server)}
	if checker, ok := h.checkers.Checker(group.Name); ok {
		for _, e := range checker.History(server.Address) {
			resp.History = append(resp.History, models.ProbeHistoryEntry{At: e.At, Success: e.Success, Err: e.Err})
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CheckServer godoc
// @Summary Run an immediate probe against a server
// @Tags health
// @Produce json
// @Success 200 {object} models.ServerHealth
// @Failure 404 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Router /health/server/{address}/check [post]
func (h *Handler) CheckServer(c *gin.Context) {
	address := c.Param("address")
	server, group, ok := h.findServer(address)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown server"})
		return
	}

	checker, ok := h.checkers.Checker(group.Name)
	if !ok {
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "no health checker running for this group"})
		return
	}
	if err := checker.Probe(c.Request.Context(), server.Address); err != nil {
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, serverHealth(server))
}

// EnableServer godoc
// @Summary Return a server to rotation
// @Tags health
// @Produce json
// @Success 200 {object} models.ServerHealth
// @Failure 404 {object} models.ErrorResponse
// @Router /health/server/{address}/enable [post]
func (h *Handler) EnableServer(c *gin.Context) {
	server, _, ok := h.findServer(c.Param("address"))
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown server"})
		return
	}
	server.Enable()
	c.JSON(http.StatusOK, serverHealth(server))
}

// DisableServer godoc
// @Summary Take a server out of rotation administratively
// @Tags health
// @Produce json
// @Success 200 {object} models.ServerHealth
// @Failure 404 {object} models.ErrorResponse
// @Router /health/server/{address}/disable [post]
func (h *Handler) DisableServer(c *gin.Context) {
	server, _, ok := h.findServer(c.Param("address"))
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown server"})
		return
	}
	server.Disable()
	c.JSON(http.StatusOK, serverHealth(server))
}

// Stats godoc
// @Summary Server statistics
// @Description Returns runtime statistics including system CPU usage, memory usage, and request-serving metrics.
// @Tags system
// @Produce json
// @Success 200 {object} models.ServerStatsResponse
// @Security ApiKeyAuth
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := models.MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	cpuStats := models.CPUStats{NumCPU: runtime.NumCPU()}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	var proxyStats models.ProxyStatsResponse
	if h.pipeline != nil {
		snap := h.pipeline.Snapshot()
		proxyStats = models.ProxyStatsResponse{
			RequestsTotal:  snap.RequestsTotal,
			RequestsActive: snap.RequestsActive,
			BytesSent:      snap.BytesSent,
			CacheHits:      snap.CacheHits,
			CacheMisses:    snap.CacheMisses,
			AvgLatencyMs:   snap.AvgLatencyMs,
			UpstreamGroups: len(h.pool.All()),
		}
	}

	c.JSON(http.StatusOK, models.ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		Proxy:         proxyStats,
	})
}

func (h *Handler) findServer(address string) (*upstream.Server, *upstream.Group, bool) {
	for _, g := range h.pool.All() {
		for _, s := range g.Servers() {
			if s.Address == address {
				return s, g, true
			}
		}
	}
	return nil, nil, false
}

func groupHealth(g *upstream.Group) models.GroupHealth {
	gh := models.GroupHealth{Name: g.Name, Policy: g.Policy}
	for _, s := range g.Servers() {
		gh.Servers = append(gh.Servers, serverHealth(s))
	}
	return gh
}

func serverHealth(s *upstream.Server) models.ServerHealth {
	return models.ServerHealth{
		Address:           s.Address,
		Status:            s.Status().String(),
		Disabled:          s.Disabled(),
		ActiveConns:       s.ActiveConns(),
		AvgResponseTimeMs: float64(s.AvgResponseTime()) / float64(time.Millisecond),
	}
}

func renderHealthText(resp models.HealthSummaryResponse) string {
	out := "status: " + resp.Status + "\n"
	for _, g := range resp.Groups {
		out += "upstream " + g.Name + " (" + g.Policy + ")\n"
		for _, s := range g.Servers {
			out += "  " + s.Address + " " + s.Status
			if s.Disabled {
				out += " (disabled)"
			}
			out += "\n"
		}
	}
	return out
}
