package domain

import "time"

// MovingSpeedKmh is the speed above which a vehicle counts as moving.
const MovingSpeedKmh = 5.0

type VehicleStatus string

const (
	StatusMoving  VehicleStatus = "moving"
	StatusIdle    VehicleStatus = "idle"
	StatusOffline VehicleStatus = "offline"
)

// StatusForSpeed derives moving/idle from the latest applied speed.
// Offline is never derived here.
func StatusForSpeed(speed float64) VehicleStatus {
	if speed > MovingSpeedKmh {
		return StatusMoving
	}
	return StatusIdle
}

type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

type DispatchRef struct {
	DispatchID  string `json:"dispatch_id"`
	OrderNumber string `json:"order_number"`
}

type VehicleState struct {
	VehicleID      string        `json:"vehicle_id"`
	PlateNumber    string        `json:"plate_number"`
	VehicleType    string        `json:"vehicle_type"`
	Status         VehicleStatus `json:"status"`
	LastLocation   *Location     `json:"last_location,omitempty"`
	ActiveDispatch *DispatchRef  `json:"active_dispatch,omitempty"`
	LastUpdateAt   time.Time     `json:"last_update_at"`

	Temperature  *float64 `json:"temperature,omitempty"`
	FuelLevel    *float64 `json:"fuel_level,omitempty"`
	EngineStatus string   `json:"engine_status,omitempty"`
}

// Clone returns a deep copy; the pointer fields are never shared.
func (v VehicleState) Clone() VehicleState {
	out := v
	if v.LastLocation != nil {
		loc := *v.LastLocation
		out.LastLocation = &loc
	}
	if v.ActiveDispatch != nil {
		ref := *v.ActiveDispatch
		out.ActiveDispatch = &ref
	}
	out.Temperature = cloneFloat(v.Temperature)
	out.FuelLevel = cloneFloat(v.FuelLevel)
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

type TelemetryEvent struct {
	VehicleID    string    `json:"vehicle_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Speed        float64   `json:"speed"`
	Temperature  *float64  `json:"temperature,omitempty"`
	FuelLevel    *float64  `json:"fuel_level,omitempty"`
	EngineStatus string    `json:"engine_status"`
	Timestamp    time.Time `json:"timestamp"`
}

type AnomalyType string

const (
	AnomalySpeeding             AnomalyType = "speeding"
	AnomalyHarshBraking         AnomalyType = "harsh_braking"
	AnomalyHarshAcceleration    AnomalyType = "harsh_acceleration"
	AnomalyTemperatureViolation AnomalyType = "temperature_violation"
	AnomalyLowFuel              AnomalyType = "low_fuel"
	AnomalyLongIdle             AnomalyType = "long_idle"
	AnomalyOther                AnomalyType = "other"
)

// NormalizeAnomalyType maps unknown feed values to AnomalyOther.
func NormalizeAnomalyType(t AnomalyType) AnomalyType {
	switch t {
	case AnomalySpeeding, AnomalyHarshBraking, AnomalyHarshAcceleration,
		AnomalyTemperatureViolation, AnomalyLowFuel, AnomalyLongIdle:
		return t
	default:
		return AnomalyOther
	}
}

type AnomalySeverity string

const (
	SeverityCritical AnomalySeverity = "critical"
	SeverityHigh     AnomalySeverity = "high"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityLow      AnomalySeverity = "low"
)

type AnomalyEvent struct {
	VehicleID    string          `json:"vehicle_id"`
	VehiclePlate string          `json:"vehicle_plate"`
	Type         AnomalyType     `json:"type"`
	Severity     AnomalySeverity `json:"severity"`
	Message      string          `json:"message"`
	Value        float64         `json:"value"`
	Threshold    float64         `json:"threshold"`
	DetectedAt   time.Time       `json:"detected_at"`
}

const MessageTypeTelemetryUpdate = "telemetry_update"

// InboundMessage is one decoded frame from the telemetry feed.
type InboundMessage struct {
	Type      string          `json:"type"`
	Data      *TelemetryEvent `json:"data,omitempty"`
	Anomalies []AnomalyEvent  `json:"anomalies,omitempty"`
}

type Summary struct {
	Total   int `json:"total"`
	Moving  int `json:"moving"`
	Idle    int `json:"idle"`
	Offline int `json:"offline"`
}

// FleetStatus is the bootstrap payload of GET /vehicles/status.
type FleetStatus struct {
	Vehicles []VehicleState `json:"vehicles"`
	Summary  Summary        `json:"summary"`

	// RecentAnomalies is optional, newest-first.
	RecentAnomalies []AnomalyEvent `json:"recent_anomalies,omitempty"`
}

type Snapshot struct {
	Vehicles []VehicleState `json:"vehicles"`
	Summary  Summary        `json:"summary"`
}
