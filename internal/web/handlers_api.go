package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// commandTimeout bounds a light command issued over HTTP.
const commandTimeout = 10 * time.Second

func (s *Server) handleAPIListLights(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Lights())
}

func (s *Server) handleAPIGetLight(w http.ResponseWriter, r *http.Request) {
	info, err := s.coord.Light(r.PathValue("id"))
	if err != nil {
		s.writeLightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type renameLightRequest struct {
	Name *string `json:"name"`
}

func (s *Server) handleAPIRenameLight(w http.ResponseWriter, r *http.Request) {
	var req renameLightRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if req.Name == nil {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	info, err := s.coord.Rename(r.PathValue("id"), *req.Name)
	if err != nil {
		s.writeLightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type turnOnRequest struct {
	Brightness *int `json:"brightness"`
	RGB        *struct {
		R int `json:"r"`
		G int `json:"g"`
		B int `json:"b"`
	} `json:"rgb"`
	ColorTemp *float64 `json:"color_temp"`
}

func byteValue(v int) (uint8, bool) {
	if v < 0 || v > 255 {
		return 0, false
	}
	return uint8(v), true
}

// command validates the request and converts it to a light command.
func (req turnOnRequest) command() (light.Command, error) {
	var cmd light.Command
	if req.Brightness != nil {
		b, ok := byteValue(*req.Brightness)
		if !ok {
			return cmd, errors.New("brightness must be 0..255")
		}
		cmd.Brightness = &b
	}
	if req.RGB != nil {
		r, okR := byteValue(req.RGB.R)
		g, okG := byteValue(req.RGB.G)
		b, okB := byteValue(req.RGB.B)
		if !okR || !okG || !okB {
			return cmd, errors.New("rgb components must be 0..255")
		}
		cmd.RGB = &light.RGB{R: r, G: g, B: b}
	}
	if req.ColorTemp != nil {
		if *req.ColorTemp <= 0 {
			return cmd, errors.New("color_temp must be positive")
		}
		t := *req.ColorTemp
		cmd.ColorTemp = &t
	}
	return cmd, nil
}

func (s *Server) handleAPITurnOn(w http.ResponseWriter, r *http.Request) {
	var req turnOnRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	cmd, err := req.command()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.coord.TurnOn(ctx, id, cmd); err != nil {
		s.writeLightError(w, err)
		return
	}
	s.writeLight(w, id)
}

func (s *Server) handleAPITurnOff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.coord.TurnOff(ctx, id); err != nil {
		s.writeLightError(w, err)
		return
	}
	s.writeLight(w, id)
}

// writeLight responds with the light's cached state after a command.
func (s *Server) writeLight(w http.ResponseWriter, id string) {
	info, err := s.coord.Light(id)
	if err != nil {
		s.writeLightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.NetworkInfo()
	info["ws_clients"] = s.wsHub.Clients()
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	s.writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

// writeLightError maps coordinator and codec errors to HTTP statuses.
func (s *Server) writeLightError(w http.ResponseWriter, err error) {
	var encErr *light.EncodingError
	switch {
	case errors.Is(err, coordinator.ErrLightNotFound):
		s.writeError(w, http.StatusNotFound, "light not found")
	case errors.As(err, &encErr):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("light command", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
