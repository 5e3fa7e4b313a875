package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
)

// Version is reported by the root handler
const Version = "0.3.0"

// Handlers contains the admin HTTP handlers
type Handlers struct {
	kernel *abi.Kernel
	events *tracing.Emitter
	logger *zap.Logger
}

// NewHandlers creates a handler set over k. events may be nil.
func NewHandlers(k *abi.Kernel, events *tracing.Emitter, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{kernel: k, events: events, logger: logger.Named("http")}
}

// Root handles health check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "AgentOS Channel Kernel",
		"version": Version,
	})
}

// Health reports the registry state
func (h *Handlers) Health(c *gin.Context) {
	stats := h.kernel.Stats()
	body := gin.H{
		"status":        "healthy",
		"open_channels": stats.OpenChannels,
		"handles":       stats.Handles,
		"processes":     stats.Processes,
	}
	if h.events != nil {
		body["events"] = h.events.Stats()
	}
	c.JSON(http.StatusOK, body)
}

// Stats returns the kernel counters
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   h.kernel.Stats(),
	})
}

// Channels lists live channels, filtered by the owner query glob
func (h *Handlers) Channels(c *gin.Context) {
	chans, err := h.kernel.Channels(c.Query("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"channels": chans,
		"count":    len(chans),
	})
}

// Operations returns the ABI contract table
func (h *Handlers) Operations(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		op, ok := abi.Lookup(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown operation: " + name})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "operation": op})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"operations": abi.Operations(),
	})
}

// statusFor maps an ABI error onto an HTTP status
func statusFor(err error) int {
	switch abi.Classify(err) {
	case abi.CodeInvalidArgument:
		return http.StatusBadRequest
	case abi.CodeNotFound:
		return http.StatusNotFound
	case abi.CodeFailedPrecondition:
		return http.StatusConflict
	case abi.CodeExhausted:
		return http.StatusInsufficientStorage
	case abi.CodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    abi.Classify(err).String(),
	})
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "Invalid request: " + err.Error(),
	})
}

// handleParam parses the :handle path parameter
func (h *Handlers) handleParam(c *gin.Context) (abi.Handle, bool) {
	v, err := strconv.ParseUint(c.Param("handle"), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid endpoint handle: " + c.Param("handle"),
		})
		return 0, false
	}
	return abi.Handle(v), true
}
