package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voicebridge/server/domain/entities"
	"github.com/voicebridge/server/internal/auth"
	"github.com/voicebridge/server/internal/bridge"
	"github.com/voicebridge/server/usecase"
)

// InitRoutes initializes all API routes
func InitRoutes(
	e *echo.Echo,
	hub *bridge.Hub,
	streams *usecase.StreamService,
	authn *auth.Authenticator,
	hostSecret string,
	logger *zap.Logger,
) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "voicebridge-server",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/auth", func(c echo.Context) error {
		return hostAuth(c, authn, hostSecret, logger)
	})

	// Stream control APIs, one resource per call leg.
	guarded := v1.Group("/streams", requireHostToken(authn, logger))
	guarded.POST("/:uuid/start", func(c echo.Context) error {
		return startStream(c, streams, logger)
	})
	guarded.POST("/:uuid/stop", func(c echo.Context) error {
		return stopStream(c, streams, logger)
	})
	guarded.POST("/:uuid/pause", func(c echo.Context) error {
		return streamVerb(c, streams.Pause)
	})
	guarded.POST("/:uuid/resume", func(c echo.Context) error {
		return streamVerb(c, streams.Resume)
	})
	guarded.POST("/:uuid/send-text", func(c echo.Context) error {
		return sendText(c, streams, logger)
	})
	guarded.GET("/:uuid/stats", func(c echo.Context) error {
		return streamStats(c, streams)
	})

	// Media websocket with JWT validation
	e.GET("/ws/:uuid", func(c echo.Context) error {
		return mediaSocketWithAuth(hub, c, authn, logger)
	})
}

func hostAuth(c echo.Context, authn *auth.Authenticator, hostSecret string, logger *zap.Logger) error {
	var req HostAuthRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind host auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.HostID == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Host ID and secret key are required",
		})
	}

	if req.SecretKey != hostSecret {
		logger.Warn("Host authentication failed", zap.String("host_id", req.HostID))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid host credentials",
		})
	}

	token, err := authn.GenerateHostToken(req.HostID)
	if err != nil {
		logger.Error("Failed to generate host token",
			zap.String("host_id", req.HostID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Host authenticated successfully", zap.String("host_id", req.HostID))

	return c.JSON(http.StatusOK, HostAuthResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(authn.TokenTTL()),
		HostID:    req.HostID,
	})
}

// requireHostToken guards the stream control routes with a bearer token.
func requireHostToken(authn *auth.Authenticator, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := claimsFromRequest(c, authn)
			if err != nil {
				logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Valid JWT token is required",
				})
			}
			if claims.Role != "host" {
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only host tokens may control streams",
				})
			}
			c.Set("host_id", claims.HostID)
			return next(c)
		}
	}
}

func claimsFromRequest(c echo.Context, authn *auth.Authenticator) (*auth.Claims, error) {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}
	if token == "" {
		// Websocket dials cannot always set headers.
		token = c.QueryParam("token")
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return authn.ValidateToken(token)
}

func startStream(c echo.Context, streams *usecase.StreamService, logger *zap.Logger) error {
	var req StartStreamRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind start request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	cfg := entities.StreamConfig{
		CallUUID:       c.Param("uuid"),
		PeerURL:        req.PeerURL,
		SampleRate:     req.SampleRate,
		MixType:        entities.MixType(req.Mix),
		Metadata:       req.Metadata,
		WarmupFrames:   req.WarmupFrames,
		LowWaterFrames: req.LowWaterFrames,
		GraceFrames:    req.GraceFrames,
	}
	if req.Format != "" {
		format, err := entities.ParseAudioFormat(req.Format)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_format",
				Message: err.Error(),
			})
		}
		cfg.Format = format
	}

	session, err := streams.Start(c.Request().Context(), cfg)
	if err != nil {
		if errors.Is(err, usecase.ErrSessionExists) {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "stream_exists",
				Message: err.Error(),
			})
		}
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "start_failed",
			Message: err.Error(),
		})
	}

	effective := session.Config()
	return c.JSON(http.StatusOK, StartStreamResponse{
		CallUUID:   effective.CallUUID,
		Format:     string(effective.Format),
		SampleRate: effective.SampleRate,
		Mix:        string(effective.MixType),
	})
}

func stopStream(c echo.Context, streams *usecase.StreamService, logger *zap.Logger) error {
	var req StopStreamRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind stop request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if err := streams.Stop(c.Param("uuid"), req.FinalText); err != nil {
		return streamError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func sendText(c echo.Context, streams *usecase.StreamService, logger *zap.Logger) error {
	var req SendTextRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind send-text request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.Message == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Message is required",
		})
	}

	if err := streams.SendText(c.Param("uuid"), req.Message); err != nil {
		return streamError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

func streamVerb(c echo.Context, verb func(callUUID string) error) error {
	if err := verb(c.Param("uuid")); err != nil {
		return streamError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func streamStats(c echo.Context, streams *usecase.StreamService) error {
	stats, err := streams.Stats(c.Param("uuid"))
	if err != nil {
		return streamError(c, err)
	}
	return c.JSON(http.StatusOK, StatsResponse{
		CallUUID: c.Param("uuid"),
		Stats:    stats,
	})
}

func streamError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "stream_not_found",
			Message: err.Error(),
		})
	case errors.Is(err, usecase.ErrSessionClosed):
		return c.JSON(http.StatusGone, ErrorResponse{
			Error:   "stream_closed",
			Message: err.Error(),
		})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}

// mediaSocketWithAuth handles media websocket connections with JWT
// authentication.
func mediaSocketWithAuth(hub *bridge.Hub, c echo.Context, authn *auth.Authenticator, logger *zap.Logger) error {
	claims, err := claimsFromRequest(c, authn)
	if err != nil {
		logger.Warn("Media socket rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Valid JWT token is required",
		})
	}
	if claims.Role != "host" {
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only host tokens may open media sockets",
		})
	}

	return bridge.HandleMediaSocket(hub, c, c.Param("uuid"), logger)
}
