package diagnostics

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/darkdragonsastro/mountcore/internal/coords"
	"github.com/darkdragonsastro/mountcore/internal/mountctl"
	"github.com/darkdragonsastro/mountcore/internal/position"
	"github.com/darkdragonsastro/mountcore/internal/service"
	"github.com/darkdragonsastro/mountcore/internal/slew"
	"github.com/darkdragonsastro/mountcore/internal/tracking"
)

// MountHandlers provides REST endpoints over one Controller.
type MountHandlers struct {
	ctl *mountctl.Controller
}

// NewMountHandlers returns handlers bound to ctl.
func NewMountHandlers(ctl *mountctl.Controller) *MountHandlers {
	return &MountHandlers{ctl: ctl}
}

// statusResponse is the combined snapshot served by GET /mount/status.
type statusResponse struct {
	Connected  bool                `json:"connected"`
	Running    bool                `json:"running"`
	RaHours    float64             `json:"ra_hours"`
	DecDeg     float64             `json:"dec_deg"`
	AltDeg     float64             `json:"alt_deg"`
	AzDeg      float64             `json:"az_deg"`
	SideOfPier string              `json:"side_of_pier"`
	Slewing    bool                `json:"slewing"`
	SlewType   string              `json:"slew_type"`
	AtPark     bool                `json:"at_park"`
	AtHome     bool                `json:"at_home"`
	Tracking   bool                `json:"tracking"`
	TrackMode  string              `json:"tracking_mode"`
	Limits     position.LimitStatus `json:"limits"`
	Health     service.HealthStatus `json:"health"`
	LastError  string               `json:"last_error,omitempty"`
}

func (h *MountHandlers) getStatus(c *gin.Context) {
	raHours, decDeg := h.ctl.RaDec()
	altDeg, azDeg := h.ctl.AltAz()
	on, mode := h.ctl.Tracking()

	var lastErr string
	if err := h.ctl.LastError(); err != nil {
		lastErr = err.Error()
	}

	c.JSON(http.StatusOK, statusResponse{
		Connected:  h.ctl.IsConnected(),
		Running:    h.ctl.IsRunning(),
		RaHours:    raHours,
		DecDeg:     decDeg,
		AltDeg:     altDeg,
		AzDeg:      azDeg,
		SideOfPier: h.ctl.SideOfPier().String(),
		Slewing:    h.ctl.IsSlewing(),
		SlewType:   h.ctl.SlewState().String(),
		AtPark:     h.ctl.AtPark(),
		AtHome:     h.ctl.AtHome(),
		Tracking:   on,
		TrackMode:  mode.String(),
		Limits:     h.ctl.LimitStatus(),
		Health:     h.ctl.Health(),
		LastError:  lastErr,
	})
}

func (h *MountHandlers) connect(c *gin.Context) {
	if err := h.ctl.Connect(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

func (h *MountHandlers) disconnect(c *gin.Context) {
	if err := h.ctl.Disconnect(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (h *MountHandlers) start(c *gin.Context) {
	if err := h.ctl.Start(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (h *MountHandlers) stop(c *gin.Context) {
	if err := h.ctl.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *MountHandlers) reset(c *gin.Context) {
	if err := h.ctl.Reset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type slewRaDecRequest struct {
	RaHours    float64 `json:"ra_hours"`
	DecDeg     float64 `json:"dec_deg"`
	RateRa     float64 `json:"rate_ra_deg_per_s"`
	RateDec    float64 `json:"rate_dec_deg_per_s"`
	TrackMode  string  `json:"tracking_mode"`
}

func (h *MountHandlers) slewRaDec(c *gin.Context) {
	var req slewRaDecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := parseTrackingMode(req.TrackMode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.ctl.SlewRaDec(c.Request.Context(), req.RaHours, req.DecDeg, req.RateRa, req.RateDec, mode)
	respondSlew(c, result, err)
}

type slewAltAzRequest struct {
	AzDeg  float64 `json:"az_deg"`
	AltDeg float64 `json:"alt_deg"`
}

func (h *MountHandlers) slewAltAz(c *gin.Context) {
	var req slewAltAzRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.ctl.SlewAltAz(c.Request.Context(), req.AzDeg, req.AltDeg)
	respondSlew(c, result, err)
}

func (h *MountHandlers) slewToPark(c *gin.Context) {
	result, err := h.ctl.SlewToPark(c.Request.Context())
	respondSlew(c, result, err)
}

func (h *MountHandlers) findHome(c *gin.Context) {
	result, err := h.ctl.FindHome(c.Request.Context())
	respondSlew(c, result, err)
}

func (h *MountHandlers) abortSlew(c *gin.Context) {
	h.ctl.AbortSlew()
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

func respondSlew(c *gin.Context, result *slew.Result, err error) {
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "can_proceed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"can_proceed": result.CanProceed})
}

type setTrackingRequest struct {
	On   bool   `json:"on"`
	Mode string `json:"mode"`
}

func (h *MountHandlers) setTracking(c *gin.Context) {
	var req setTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := parseTrackingMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctl.SetTracking(req.On, mode)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type setRateRequest struct {
	RateDegPerS float64 `json:"rate_deg_per_s"`
}

func (h *MountHandlers) setRatePrimary(c *gin.Context) {
	var req setRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctl.SetRateMovePrimary(req.RateDegPerS)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *MountHandlers) setRateSecondary(c *gin.Context) {
	var req setRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctl.SetRateMoveSecondary(req.RateDegPerS)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pulseGuideRequest struct {
	Axis       int     `json:"axis"`
	Direction  float64 `json:"direction"`
	DurationMs int     `json:"duration_ms"`
}

func (h *MountHandlers) pulseGuide(c *gin.Context) {
	var req pulseGuideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cancel, err := h.ctl.PulseGuide(req.Axis, req.Direction, req.DurationMs)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	_ = cancel
	c.JSON(http.StatusOK, gin.H{"status": "pulsing"})
}

type raDecRequest struct {
	RaHours float64 `json:"ra_hours"`
	DecDeg  float64 `json:"dec_deg"`
}

func (h *MountHandlers) syncRaDec(c *gin.Context) {
	var req raDecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ctl.SyncRaDec(req.RaHours, req.DecDeg); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

type altAzRequest struct {
	AzDeg  float64 `json:"az_deg"`
	AltDeg float64 `json:"alt_deg"`
}

func (h *MountHandlers) syncAltAz(c *gin.Context) {
	var req altAzRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ctl.SyncAltAz(req.AzDeg, req.AltDeg); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

type axesRequest struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
}

func (h *MountHandlers) setParkPosition(c *gin.Context) {
	var req axesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctl.SetParkPosition(coords.Axes{req.Primary, req.Secondary})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type resyncAxesRequest struct {
	Park bool `json:"park"`
}

func (h *MountHandlers) resyncAxes(c *gin.Context) {
	var req resyncAxesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ctl.ResyncAxes(req.Park); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *MountHandlers) emergencyStop(c *gin.Context) {
	h.ctl.EmergencyStop()
	c.JSON(http.StatusOK, gin.H{"status": "emergency_stop"})
}

func parseTrackingMode(s string) (tracking.Mode, error) {
	switch s {
	case "", "off":
		return tracking.Off, nil
	case "sidereal":
		return tracking.Sidereal, nil
	case "lunar":
		return tracking.Lunar, nil
	case "solar":
		return tracking.Solar, nil
	case "king":
		return tracking.King, nil
	case "altaz":
		return tracking.AltAz, nil
	default:
		return tracking.Off, fmt.Errorf("diagnostics: unrecognised tracking mode %q", s)
	}
}
