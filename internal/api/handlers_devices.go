package api

import (
	"errors"
	"net/http"
	"strings"

	"servermgr/internal/core"
	"servermgr/internal/wol"
)

type deviceRequest struct {
	Name        *string `json:"name"`
	Hostname    *string `json:"hostname"`
	IPAddress   *string `json:"ip_address"`
	MACAddress  *string `json:"mac_address"`
	Description *string `json:"description"`
}

type deviceResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Hostname    *string `json:"hostname,omitempty"`
	IPAddress   *string `json:"ip_address,omitempty"`
	MACAddress  string  `json:"mac_address"`
	Description *string `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// wakeRequest names a registered device or a raw MAC with an optional
// address or CIDR to derive the broadcast address from.
type wakeRequest struct {
	DeviceID   int64  `json:"device_id"`
	MACAddress string `json:"mac_address"`
	IPAddress  string `json:"ip_address"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	res := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		res = append(res, deviceToResponse(d))
	}
	writeJSON(w, http.StatusOK, "", res)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	d := &core.Device{}
	if req.Name == nil || req.MACAddress == nil {
		writeError(w, http.StatusBadRequest, "name and mac_address are required")
		return
	}
	if msg := applyDeviceRequest(d, req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.store.CreateDevice(r.Context(), d); err != nil {
		s.logger.Error("create device", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	writeJSON(w, http.StatusCreated, "device created", deviceToResponse(d))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, "", deviceToResponse(d))
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if msg := applyDeviceRequest(d, req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.store.UpdateDevice(r.Context(), d); err != nil {
		s.writeDeviceError(w, "update device", d.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, "device updated", deviceToResponse(d))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDevice(r.Context(), d.ID); err != nil {
		s.writeDeviceError(w, "delete device", d.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, "device deleted", map[string]int64{"id": d.ID})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req wakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	mac, target := req.MACAddress, req.IPAddress
	if req.DeviceID > 0 {
		d, err := s.store.GetDevice(r.Context(), req.DeviceID)
		if err != nil {
			s.writeDeviceError(w, "get device", req.DeviceID, err)
			return
		}
		mac = d.MACAddress
		if target == "" && d.IPAddress != nil {
			target = *d.IPAddress
		}
	}
	if strings.TrimSpace(mac) == "" {
		writeError(w, http.StatusBadRequest, "device_id or mac_address is required")
		return
	}
	bcast, err := s.waker.Wake(r.Context(), mac, target)
	if err != nil {
		if errors.Is(err, wol.ErrInvalidMAC) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("send magic packet", "mac", mac, "err", err)
		writeError(w, http.StatusBadGateway, "failed to send magic packet")
		return
	}
	s.logger.Info("magic packet sent", "mac", mac, "broadcast", bcast)
	writeJSON(w, http.StatusOK, "magic packet sent", map[string]string{"mac_address": mac, "broadcast": bcast})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	var host string
	switch {
	case d.IPAddress != nil && *d.IPAddress != "":
		host = *d.IPAddress
	case d.Hostname != nil && *d.Hostname != "":
		host = *d.Hostname
	default:
		writeError(w, http.StatusBadRequest, "device has no hostname or ip address")
		return
	}
	online := wol.Ping(r.Context(), host, s.opts.PingTimeout)
	writeJSON(w, http.StatusOK, "", map[string]any{"device_id": d.ID, "host": host, "online": online})
}

func (s *Server) loadDevice(w http.ResponseWriter, r *http.Request) (*core.Device, bool) {
	id, ok := pathID(r, "deviceID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return nil, false
	}
	d, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		s.writeDeviceError(w, "get device", id, err)
		return nil, false
	}
	return d, true
}

func (s *Server) writeDeviceError(w http.ResponseWriter, op string, id int64, err error) {
	if errors.Is(err, core.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.logger.Error(op, "device_id", id, "err", err)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

// applyDeviceRequest copies the set fields of req onto d and returns a
// validation message, or "" when d is valid.
func applyDeviceRequest(d *core.Device, req deviceRequest) string {
	if req.Name != nil {
		d.Name = strings.TrimSpace(*req.Name)
		if d.Name == "" {
			return "name cannot be empty"
		}
	}
	if req.MACAddress != nil {
		mac, err := wol.NormalizeMAC(*req.MACAddress)
		if err != nil {
			return err.Error()
		}
		d.MACAddress = mac
	}
	if req.Hostname != nil {
		d.Hostname = trimmedOrNil(req.Hostname)
	}
	if req.IPAddress != nil {
		d.IPAddress = trimmedOrNil(req.IPAddress)
		if d.IPAddress != nil {
			if _, err := wol.BroadcastAddress(*d.IPAddress); err != nil {
				return "invalid ip_address"
			}
		}
	}
	if req.Description != nil {
		d.Description = trimmedOrNil(req.Description)
	}
	return ""
}

func deviceToResponse(d *core.Device) deviceResponse {
	return deviceResponse{
		ID:          d.ID,
		Name:        d.Name,
		Hostname:    d.Hostname,
		IPAddress:   d.IPAddress,
		MACAddress:  d.MACAddress,
		Description: d.Description,
		CreatedAt:   formatTime(d.CreatedAt),
		UpdatedAt:   formatTime(d.UpdatedAt),
	}
}
