package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/moodrop/moodrop-core/internal/command"
	"github.com/moodrop/moodrop-core/internal/job"
	"github.com/moodrop/moodrop-core/internal/orchestrator"
)

// refillItemDTO is one slot top-up in a refill request. Either slotId or
// ingredientId may be omitted; the missing side is resolved through the
// device's slot mapping.
type refillItemDTO struct {
	SlotID       int64   `json:"slotId"`
	IngredientID int64   `json:"ingredientId"`
	Name         string  `json:"name"`
	Amount       float64 `json:"amount"`
}

type refillRequest struct {
	Ingredients []refillItemDTO `json:"ingredients"`
}

type ingredientAmountDTO struct {
	IngredientID int64   `json:"ingredientId"`
	Amount       float64 `json:"amount"`
}

// blendItemDTO is one recipe line of a blend request. Proportion is relative
// to the other lines, not a percentage.
type blendItemDTO struct {
	SlotID       int64  `json:"slotId"`
	IngredientID int64  `json:"ingredientId"`
	Name         string `json:"name"`
	Proportion   int64  `json:"proportion"`
}

type ethanolDTO struct {
	Amount int64 `json:"amount"`
}

type blendRequest struct {
	Items       []blendItemDTO `json:"items"`
	Ethanol     *ethanolDTO    `json:"ethanol,omitempty"`
	TotalVolume float64        `json:"totalVolume,omitempty"`
}

type blendResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type slotSnapshotDTO struct {
	SlotID       int64   `json:"slotId"`
	IngredientID int64   `json:"ingredientId"`
	Name         string  `json:"name"`
	Amount       float64 `json:"amount"`
}

type slotViewDTO struct {
	SlotID         int64   `json:"slotId"`
	Name           string  `json:"name"`
	MaxCapacity    float64 `json:"maxCapacity"`
	IngredientID   int64   `json:"ingredientId"`
	IngredientName string  `json:"ingredientName"`
	Amount         float64 `json:"amount"`
}

type deviceStatusDTO struct {
	DeviceID     string `json:"deviceId"`
	Operational  bool   `json:"operational"`
	CurrentJobID string `json:"currentJobId,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
}

type monthlyStatDTO struct {
	Month    string `json:"month"`
	JobCount int64  `json:"jobCount"`
}

type statsDTO struct {
	TotalJobs             int64            `json:"totalJobs"`
	CompletedJobs         int64            `json:"completedJobs"`
	SuccessRate           int              `json:"successRate"`
	TotalManufacturingSec int64            `json:"totalManufacturingSec"`
	Monthly               []monthlyStatDTO `json:"monthly"`
}

// handleRefill tops up one or more slots and waits for the device to
// acknowledge. The response carries aggregate inventory readings for the
// refilled ingredients.
func (s *Server) handleRefill(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req refillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Ingredients) == 0 {
		writeBadRequest(w, "ingredients must not be empty")
		return
	}

	items := make([]orchestrator.RefillItem, 0, len(req.Ingredients))
	for _, in := range req.Ingredients {
		items = append(items, orchestrator.RefillItem{
			SlotID:       in.SlotID,
			IngredientID: in.IngredientID,
			Name:         in.Name,
			Amount:       in.Amount,
		})
	}

	snapshots, err := s.orch.Refill(r.Context(), deviceID, items)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	out := make([]ingredientAmountDTO, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, ingredientAmountDTO{
			IngredientID: snap.IngredientID,
			Amount:       snap.Amount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingredients": out})
}

// handleCreateBlend starts a manufacturing job and waits for the device to
// finish or reject it. Device-reported failures are a successful HTTP
// exchange with status FAILED in the body; transport failures map to error
// statuses.
func (s *Server) handleCreateBlend(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req blendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		writeBadRequest(w, "items must not be empty")
		return
	}

	items := make([]orchestrator.BlendItem, 0, len(req.Items))
	for _, in := range req.Items {
		items = append(items, orchestrator.BlendItem{
			SlotID:       in.SlotID,
			IngredientID: in.IngredientID,
			Name:         in.Name,
			Proportion:   in.Proportion,
		})
	}

	var diluent *command.Ethanol
	if req.Ethanol != nil {
		diluent = &command.Ethanol{Amount: req.Ethanol.Amount}
	}

	result, err := s.orch.Blend(r.Context(), deviceID, items, diluent, req.TotalVolume)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Status == job.StatusFailed {
		status = http.StatusOK
	}
	writeJSON(w, status, blendResponse{
		JobID:  result.JobID,
		Status: string(result.Status),
		Detail: result.Detail,
	})
}

// handleCheckInventory asks the device for its slot readings and reconciles
// local stock against them before responding.
func (s *Server) handleCheckInventory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	slots, err := s.orch.CheckInventory(r.Context(), deviceID)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	out := make([]slotSnapshotDTO, 0, len(slots))
	for _, slot := range slots {
		out = append(out, slotSnapshotDTO{
			SlotID:       slot.SlotID,
			IngredientID: slot.IngredientID,
			Name:         slot.Name,
			Amount:       slot.Amount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}

// handleLocalInventory returns the locally tracked slot state without
// contacting the device.
func (s *Server) handleLocalInventory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	views, err := s.orch.CheckLocal(r.Context(), deviceID)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	out := make([]slotViewDTO, 0, len(views))
	for _, v := range views {
		out = append(out, slotViewDTO{
			SlotID:         v.SlotID,
			Name:           v.Name,
			MaxCapacity:    v.MaxCapacity,
			IngredientID:   v.IngredientID,
			IngredientName: v.IngredientName,
			Amount:         v.Amount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}

// handleConnect checks the device answers over MQTT and registers it on
// success.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	result, err := s.orch.Connect(r.Context(), deviceID)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": result.DeviceID,
		"status":   result.Status,
	})
}

// handleDeviceStatus is a pure local read; the device is not contacted.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	status, err := s.orch.Status(r.Context(), deviceID)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	out := deviceStatusDTO{
		DeviceID:     status.DeviceID,
		Operational:  status.Operational,
		CurrentJobID: status.CurrentJobID,
	}
	if !status.LastActivity.IsZero() {
		out.LastActivity = status.LastActivity.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeviceStats returns manufacturing statistics for a device.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	stats, err := s.orch.Stats(r.Context(), deviceID)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	out := statsDTO{
		TotalJobs:             stats.TotalJobs,
		CompletedJobs:         stats.CompletedJobs,
		SuccessRate:           stats.SuccessRate,
		TotalManufacturingSec: stats.TotalManufacturingSec,
		Monthly:               make([]monthlyStatDTO, 0, len(stats.Monthly)),
	}
	for _, m := range stats.Monthly {
		out.Monthly = append(out.Monthly, monthlyStatDTO{Month: m.Month, JobCount: m.JobCount})
	}
	writeJSON(w, http.StatusOK, out)
}
