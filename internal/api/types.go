package api

import (
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/group"
	"github.com/samcharles93/hetmoe/internal/taskqueue"
)

type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}

// StatusResponse summarizes the engine.
type StatusResponse struct {
	Session   string      `json:"session"`
	Phase     group.Phase `json:"phase"`
	Blocks    int         `json:"blocks"`
	Groups    int         `json:"groups"`
	MaxChunk  int         `json:"max_chunk_size"`
	UptimeSec float64     `json:"uptime_seconds"`
}

type GroupsResponse struct {
	Object string         `json:"object"`
	Data   []group.Status `json:"data"`
}

type PhaseRequest struct {
	Phase string `json:"phase"`
}

type PhaseResponse struct {
	Phase     group.Phase `json:"phase"`
	ElapsedMS float64     `json:"elapsed_ms"`
}

// DeviceResidency is the weight memory held on one device.
type DeviceResidency struct {
	Device   device.ID `json:"device"`
	Resident int64     `json:"resident_bytes"`
}

type DevicesResponse struct {
	Devices []DeviceResidency `json:"devices"`
	// Staging counts the session's staging and output buffers, which are
	// not attributed to a device.
	Staging int64 `json:"staging_bytes"`
}

type QueueResponse struct {
	taskqueue.Stats
}

// ForwardRequest runs Tokens rows through the engine. Input, when set,
// must hold Tokens*hidden values; otherwise a deterministic input is used.
type ForwardRequest struct {
	Tokens  int       `json:"tokens"`
	Input   []float32 `json:"input,omitempty"`
	Overlap bool      `json:"overlap,omitempty"`
	Output  bool      `json:"output,omitempty"`
}

type ForwardResponse struct {
	ID           string      `json:"id"`
	Phase        group.Phase `json:"phase"`
	Tokens       int         `json:"tokens"`
	ElapsedMS    float64     `json:"elapsed_ms"`
	TokensPerSec float64     `json:"tokens_per_second"`
	Norm         float64     `json:"output_norm"`
	Output       []float32   `json:"output,omitempty"`
}
