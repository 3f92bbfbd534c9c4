package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Method names understood by the unit firmware.
const (
	MethodGetStatus            = "get_status"
	MethodGetInfo              = "get_info"
	MethodGetFilamentInfo      = "get_filament_info"
	MethodFeedFilament         = "feed_filament"
	MethodUnwindFilament       = "unwind_filament"
	MethodStopFeedFilament     = "stop_feed_filament"
	MethodStopUnwindFilament   = "stop_unwind_filament"
	MethodStartFeedAssist      = "start_feed_assist"
	MethodStopFeedAssist       = "stop_feed_assist"
	MethodUpdateFeedingSpeed   = "update_feeding_speed"
	MethodUpdateUnwindingSpeed = "update_unwinding_speed"
	MethodDrying               = "drying"
	MethodDryingStop           = "drying_stop"
)

// MsgForbidden is the msg value the unit uses to reject a command.
const MsgForbidden = "FORBIDDEN"

// RFID states reported per slot.
const (
	RFIDNone        = 0
	RFIDFailed      = 1
	RFIDIdentified  = 2
	RFIDIdentifying = 3
)

// Unit and slot status strings.
const (
	StatusReady = "ready"
	StatusBusy  = "busy"
	SlotEmpty   = "empty"
	SlotReady   = "ready"
)

// ErrMalformed is returned when a payload is not a valid JSON message.
var ErrMalformed = errors.New("protocol: malformed message")

// Request is a host → unit message.
type Request struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is a unit → host message.
type Response struct {
	ID     int             `json:"id"`
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Rejected reports whether the unit refused the command.
func (r *Response) Rejected() bool {
	return r.Code != 0 || r.Msg == MsgForbidden
}

// Decode unmarshals the result object into v.
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%w: response %d has no result", ErrMalformed, r.ID)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeRequest marshals and frames a request.
func EncodeRequest(req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload)
}

// EncodeResponse marshals and frames a response.
func EncodeResponse(resp Response) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload)
}

// DecodeResponse parses a frame payload into a Response.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &resp, nil
}

// DecodeRequest parses a frame payload into a Request.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: request without method", ErrMalformed)
	}
	return &req, nil
}

// Request constructors. IDs are assigned by the transport.

func GetStatus() Request { return Request{Method: MethodGetStatus} }

func GetInfo() Request { return Request{Method: MethodGetInfo} }

func GetFilamentInfo(index int) Request {
	return Request{Method: MethodGetFilamentInfo, Params: map[string]any{"index": index}}
}

func FeedFilament(index, length, speed int) Request {
	return Request{Method: MethodFeedFilament, Params: map[string]any{
		"index": index, "length": length, "speed": speed,
	}}
}

func UnwindFilament(index, length, speed int) Request {
	return Request{Method: MethodUnwindFilament, Params: map[string]any{
		"index": index, "length": length, "speed": speed,
	}}
}

func StopFeedFilament(index int) Request {
	return Request{Method: MethodStopFeedFilament, Params: map[string]any{"index": index}}
}

func StopUnwindFilament(index int) Request {
	return Request{Method: MethodStopUnwindFilament, Params: map[string]any{"index": index}}
}

func StartFeedAssist(index int) Request {
	return Request{Method: MethodStartFeedAssist, Params: map[string]any{"index": index}}
}

func StopFeedAssist(index int) Request {
	return Request{Method: MethodStopFeedAssist, Params: map[string]any{"index": index}}
}

func UpdateFeedingSpeed(index, speed int) Request {
	return Request{Method: MethodUpdateFeedingSpeed, Params: map[string]any{"index": index, "speed": speed}}
}

func UpdateUnwindingSpeed(index, speed int) Request {
	return Request{Method: MethodUpdateUnwindingSpeed, Params: map[string]any{"index": index, "speed": speed}}
}

// Drying starts the dryer. duration is in minutes.
func Drying(temp, fanSpeed, duration int) Request {
	return Request{Method: MethodDrying, Params: map[string]any{
		"temp": temp, "fan_speed": fanSpeed, "duration": duration,
	}}
}

func DryingStop() Request { return Request{Method: MethodDryingStop} }

// Result payloads

// DryerStatus is the dryer block of a status result.
type DryerStatus struct {
	Status     string  `json:"status"`
	TargetTemp int     `json:"target_temp"`
	Duration   int     `json:"duration"`
	RemainTime float64 `json:"remain_time"`
}

// SlotStatus is one slot entry of a status result.
type SlotStatus struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	SKU    string `json:"sku"`
	Type   string `json:"type"`
	Color  []int  `json:"color"`
	RFID   int    `json:"rfid"`
}

// Status is the result of get_status.
type Status struct {
	Status          string       `json:"status"`
	Action          string       `json:"action,omitempty"`
	Temp            int          `json:"temp"`
	EnableRFID      int          `json:"enable_rfid"`
	FanSpeed        int          `json:"fan_speed"`
	FeedAssistCount int          `json:"feed_assist_count"`
	ContAssistTime  float64      `json:"cont_assist_time"`
	DryerStatus     *DryerStatus `json:"dryer_status,omitempty"`
	DryerLegacy     *DryerStatus `json:"dryer,omitempty"`
	Slots           []SlotStatus `json:"slots"`
}

// Dryer returns whichever dryer block the firmware sent.
func (s *Status) Dryer() DryerStatus {
	switch {
	case s.DryerStatus != nil:
		return *s.DryerStatus
	case s.DryerLegacy != nil:
		return *s.DryerLegacy
	default:
		return DryerStatus{Status: "stop"}
	}
}

// TempRange is a (min, max) pair in °C.
type TempRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// FilamentInfo is the result of get_filament_info.
type FilamentInfo struct {
	Index        int       `json:"index"`
	SKU          string    `json:"sku"`
	Brand        string    `json:"brand"`
	Type         string    `json:"type"`
	Color        []int     `json:"color"`
	ExtruderTemp TempRange `json:"extruder_temp"`
	HotbedTemp   TempRange `json:"hotbed_temp"`
	Diameter     float64   `json:"diameter"`
	Total        float64   `json:"total"`
	Current      float64   `json:"current"`
}

// Info is the result of get_info.
type Info struct {
	ID           int    `json:"id"`
	Slots        int    `json:"slots"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	BootFirmware string `json:"boot_firmware"`
}
