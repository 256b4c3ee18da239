package domain

import (
	"encoding/json"
	"time"
)

type ControlType string

const (
	ControlPublish   ControlType = "publish"
	ControlRead      ControlType = "read"
	ControlWrite     ControlType = "write"
	ControlExecute   ControlType = "execute"
	ControlSubscribe ControlType = "subscribe"
)

// Valid reports whether c is one of the known control types.
func (c ControlType) Valid() bool {
	switch c {
	case ControlPublish, ControlRead, ControlWrite, ControlExecute, ControlSubscribe:
		return true
	}
	return false
}

// IsLWM2M reports whether the control type addresses an object/instance/item path
// rather than a raw MQTT topic.
func (c ControlType) IsLWM2M() bool {
	return c == ControlRead || c == ControlWrite || c == ControlExecute || c == ControlSubscribe
}

type Scope string

const (
	ScopeSingle     Scope = "single"
	ScopeGroupChild Scope = "group_child"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSent      TaskStatus = "sent"
	TaskDelivered TaskStatus = "delivered"
	TaskFailed    TaskStatus = "failed"
)

type AggregateStatus string

const (
	AggregatePending AggregateStatus = "pending"
	AggregatePartial AggregateStatus = "partial"
	AggregateSuccess AggregateStatus = "success"
	AggregateFailed  AggregateStatus = "failed"
)

// Failure reasons recorded on FAILED tasks.
const (
	ReasonTransport     = "transport_unavailable"
	ReasonUnknownDevice = "unknown_device"
	ReasonNack          = "nack"
	ReasonTimeout       = "timeout"
	ReasonCanceled      = "canceled"
)

type Task struct {
	ID          string
	Scope       Scope
	ControlType ControlType
	Topic       string
	Path        string
	Payload     json.RawMessage
	Status      TaskStatus
	Reason      string
	DeviceID    string
	OwnerID     string
	GroupTaskID *string
	CreatedAt   time.Time
	SentAt      *time.Time
	UpdatedAt   time.Time
}

type GroupTask struct {
	ID              string
	GroupID         string
	ControlType     ControlType
	Topic           string
	Path            string
	Payload         json.RawMessage
	AggregateStatus AggregateStatus
	MemberCount     int
	OwnerID         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TimerType string

const (
	TimerFixed    TimerType = "fixed"
	TimerInterval TimerType = "interval"
)

type RunStatus string

const (
	RunScheduled RunStatus = "scheduled"
	RunExecuting RunStatus = "executing"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
)

// Recurrence is the weekday/hour/minute triple of an interval timer.
// A nil Weekday fires every day.
type Recurrence struct {
	Weekday *time.Weekday `json:"weekday,omitempty"`
	Hour    int           `json:"hour"`
	Minute  int           `json:"minute"`
}

// Target names either a single device or a group; exactly one is set.
type Target struct {
	DeviceID string `json:"device_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
}

func (t Target) IsGroup() bool { return t.GroupID != "" }

// Address is the caller-side form of an LWM2M resource reference.
type Address struct {
	ObjectID   int `json:"object_id"`
	InstanceID int `json:"instance_id"`
	ItemID     int `json:"item_id"`
}

type TimerDefinition struct {
	ID            string
	TaskName      string
	TimerType     TimerType
	FireAt        *time.Time
	Interval      *Recurrence
	Target        Target
	ControlType   ControlType
	Topic         string
	Address       *Address
	Payload       json.RawMessage
	RunStatus     RunStatus
	Enabled       bool
	NextFireAt    time.Time
	LastRunAt     *time.Time
	LastRunStatus RunStatus
	LastTaskID    string
	OwnerID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ClientKind string

const (
	KindDevice  ClientKind = "device"
	KindGateway ClientKind = "gateway"
)

// Client is a device or gateway as seen by the dispatch core. Variant-specific
// attributes live in exactly one of Device or Gateway, selected by Kind.
type Client struct {
	ID        string
	TenantID  string
	ProductID string
	Kind      ClientKind
	Device    *DeviceAttrs
	Gateway   *GatewayAttrs
}

type DeviceAttrs struct {
	GatewayID  string `json:"gateway_id,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
	DeviceType int    `json:"device_type,omitempty"`
}

type GatewayAttrs struct {
	Model         string `json:"model,omitempty"`
	UpLinkNetwork int    `json:"uplink_network,omitempty"`
}

// RouteID is the client identity commands are addressed to. Devices that sit
// behind a gateway are reached through the gateway.
func (c Client) RouteID() string {
	if c.Kind == KindDevice && c.Device != nil && c.Device.GatewayID != "" {
		return c.Device.GatewayID
	}
	return c.ID
}

type Group struct {
	ID        string
	TenantID  string
	ProductID string
}
