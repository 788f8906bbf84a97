package server

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rickgao/signalfeed/internal/connection"
	"github.com/rickgao/signalfeed/internal/model"
	"github.com/rickgao/signalfeed/internal/version"
)

type errorBody struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

func errorResponse(c echo.Context, status int, message string) error {
	return c.JSON(status, errorBody{Status: status, Message: message})
}

func badRequest(c echo.Context, errs []ValidationError) error {
	return c.JSON(http.StatusBadRequest, errorBody{
		Status:  http.StatusBadRequest,
		Message: http.StatusText(http.StatusBadRequest),
		Errors:  errs,
	})
}

type healthResponse struct {
	Status    string           `json:"status"`
	Connected bool             `json:"connected"`
	State     connection.State `json:"state"`
	FeedLen   int              `json:"feed_len"`
	Latest    *model.Signal    `json:"latest,omitempty"`
	Version   version.Info     `json:"version"`
}

func (s *Server) health(c echo.Context) error {
	info := s.conn.Info()
	resp := healthResponse{
		Status:    "ok",
		Connected: info.Connected,
		State:     info.State,
		FeedLen:   s.feed.Len(),
		Version:   version.Get(),
	}
	if latest, ok := s.feed.Latest(); ok {
		resp.Latest = &latest
	}

	code := http.StatusOK
	if !info.Connected {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) connectionInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, s.conn.Info())
}

// connectRequest switches the stream to Address, or reconnects to the current
// address when it is empty.
type connectRequest struct {
	Address string `json:"address" validate:"omitempty,wsurl"`
}

func (s *Server) connect(c echo.Context) error {
	req := &connectRequest{}
	if errs := bindAndValidate(c, req); errs != nil {
		return badRequest(c, errs)
	}

	if err := s.conn.Connect(req.Address); err != nil {
		switch {
		case errors.Is(err, connection.ErrNoAddress):
			return badRequest(c, []ValidationError{{
				Code:    "ERR_REQUIRED",
				Field:   "address",
				Message: "address is required when none is configured",
			}})
		case errors.Is(err, connection.ErrManagerClosed):
			return errorResponse(c, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("connect failed", "address", req.Address, "error", err)
			return errorResponse(c, http.StatusInternalServerError, "connect failed")
		}
	}

	s.logger.Info("connect requested", "address", req.Address, "remote", c.RealIP())
	return c.JSON(http.StatusAccepted, s.conn.Info())
}

func (s *Server) disconnect(c echo.Context) error {
	s.conn.Disconnect()
	s.logger.Info("disconnect requested", "remote", c.RealIP())
	return c.JSON(http.StatusOK, s.conn.Info())
}

type signalsQuery struct {
	Limit int    `query:"limit" default:"100" validate:"gte=1,lte=10000"`
	Order string `query:"order" default:"newest" validate:"oneof=newest oldest"`
}

type signalsResponse struct {
	Count    int            `json:"count"`
	Capacity int            `json:"capacity"`
	Signals  []model.Signal `json:"signals"`
}

func (s *Server) signals(c echo.Context) error {
	q := &signalsQuery{}
	if errs := bindAndValidate(c, q); errs != nil {
		return badRequest(c, errs)
	}

	snap := s.feed.Snapshot()
	if len(snap) > q.Limit {
		snap = snap[:q.Limit]
	}
	if q.Order == "oldest" {
		slices.Reverse(snap)
	}

	return c.JSON(http.StatusOK, signalsResponse{
		Count:    len(snap),
		Capacity: s.feed.Cap(),
		Signals:  snap,
	})
}

func (s *Server) clearSignals(c echo.Context) error {
	s.feed.Clear()
	s.logger.Info("feed cleared", "remote", c.RealIP())
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) export(c echo.Context) error {
	name := fmt.Sprintf("signals-%s.json", time.Now().UTC().Format("20060102-150405"))

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	res.WriteHeader(http.StatusOK)

	if err := s.feed.WriteExport(res); err != nil {
		s.logger.Warn("export write failed", "error", err)
	}
	return nil
}
