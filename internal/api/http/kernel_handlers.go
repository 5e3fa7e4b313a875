package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/utils"
)

// Bounds on the timeout_ms query of the wait handler
const (
	DefaultWaitTimeout = time.Second
	MaxWaitTimeout     = 30 * time.Second
)

// ListProcesses lists every process, kernel included
func (h *Handlers) ListProcesses(c *gin.Context) {
	procs := h.kernel.ListProcesses()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processes": procs,
		"count":     len(procs),
	})
}

// CreateProcess registers a process with its own heap, or sharing the heap
// of colocate_with
func (h *Handlers) CreateProcess(c *gin.Context) {
	var req struct {
		Name         string `json:"name" binding:"required"`
		ColocateWith string `json:"colocate_with"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := errors.Join(utils.ValidateProcessName("name", req.Name), utils.ValidateColocate(req.ColocateWith)); err != nil {
		h.badRequest(c, err)
		return
	}

	info, err := h.kernel.CreateProcess(req.Name, req.ColocateWith)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"process": info,
	})
}

// ListEndpoints describes every live handle
func (h *Handlers) ListEndpoints(c *gin.Context) {
	handles := h.kernel.Handles()
	out := make([]abi.EndpointInfo, 0, len(handles))
	for _, hd := range handles {
		info, err := h.kernel.Describe(hd)
		if err != nil {
			// freed between listing and describing
			continue
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"endpoints": out,
		"count":     len(out),
	})
}

// AllocateEndpoint creates an endpoint owned by pid
func (h *Handlers) AllocateEndpoint(c *gin.Context) {
	var req struct {
		PID heap.ProcessID `json:"pid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	hd, err := h.kernel.AllocateEndpoint(req.PID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"handle":  hd,
	})
}

// GetEndpoint describes one endpoint and its identity
func (h *Handlers) GetEndpoint(c *gin.Context) {
	hd, ok := h.handleParam(c)
	if !ok {
		return
	}
	info, err := h.kernel.Describe(hd)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{
		"success":  true,
		"endpoint": info,
	}
	if principal, err := h.kernel.GetOwnerPrincipalHandle(hd); err == nil {
		body["owner_principal"] = principal
	}
	if info.ChannelID != 0 {
		if pid, err := h.kernel.GetPeerProcessID(hd); err == nil {
			body["peer_pid"] = pid
		}
	}
	c.JSON(http.StatusOK, body)
}

// Connect pairs an import and an export endpoint into one channel
func (h *Handlers) Connect(c *gin.Context) {
	var req struct {
		Import abi.Handle `json:"import" binding:"required"`
		Export abi.Handle `json:"export" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.kernel.Connect(req.Import, req.Export); err != nil {
		h.fail(c, err)
		return
	}
	channelID, _ := h.kernel.GetChannelID(req.Import)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"channel_id": channelID,
	})
}

// endpointOp adapts a handle-only kernel method to a POST handler
func (h *Handlers) endpointOp(fn func(*abi.Kernel, abi.Handle) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		hd, ok := h.handleParam(c)
		if !ok {
			return
		}
		if err := fn(h.kernel, hd); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "handle": hd})
	}
}

// Dispose closes an endpoint and wakes its peer
func (h *Handlers) Dispose(c *gin.Context) { h.endpointOp((*abi.Kernel).Dispose)(c) }

// Free releases a closed endpoint. The handle is retired.
func (h *Handlers) Free(c *gin.Context) { h.endpointOp((*abi.Kernel).Free)(c) }

// Notify wakes the peer of an endpoint
func (h *Handlers) Notify(c *gin.Context) { h.endpointOp((*abi.Kernel).NotifyPeer)(c) }

// Move hands an endpoint to another process
func (h *Handlers) Move(c *gin.Context) {
	hd, ok := h.handleParam(c)
	if !ok {
		return
	}
	var req struct {
		PID heap.ProcessID `json:"pid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.kernel.MoveEndpoint(hd, req.PID); err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.kernel.Describe(hd)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "endpoint": info})
}

// Send writes a message into the peer's block and notifies it
func (h *Handlers) Send(c *gin.Context) {
	hd, ok := h.handleParam(c)
	if !ok {
		return
	}
	var msg abi.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := utils.ValidatePayload(msg.Payload); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.kernel.Send(hd, msg); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "bytes": len(msg.Payload)})
}

// Read returns length bytes of the endpoint's own block from offset
func (h *Handlers) Read(c *gin.Context) {
	hd, ok := h.handleParam(c)
	if !ok {
		return
	}
	off, err1 := strconv.Atoi(c.DefaultQuery("offset", "0"))
	n, err2 := strconv.Atoi(c.DefaultQuery("length", "0"))
	if err := errors.Join(err1, err2); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := utils.ValidateRange(off, n); err != nil {
		h.badRequest(c, err)
		return
	}

	data, err := h.kernel.ReadSelf(hd, off, n)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// Wait blocks until the endpoint is notified or timeout_ms passes. A timeout
// is reported as signalled=false.
func (h *Handlers) Wait(c *gin.Context) {
	hd, ok := h.handleParam(c)
	if !ok {
		return
	}
	timeout := DefaultWaitTimeout
	if v := c.Query("timeout_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid timeout_ms: " + v})
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, MaxWaitTimeout)
	}

	parent := c.Request.Context()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	applied, err := h.kernel.Wait(ctx, hd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "signalled": false})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"signalled": true,
		"applied":   applied,
	})
}
