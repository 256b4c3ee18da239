// Package command turns a logical control request into the topic and payload
// sent to a device.
package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"ctlflow/internal/domain"
	"ctlflow/internal/lwm2m"
)

// ControlSuffix is the topic segment LWM2M operations are delivered on.
const ControlSuffix = "control"

// Request is a control operation before it is bound to a device. LWM2M
// operations carry Address; PUBLISH carries Topic.
type Request struct {
	ControlType domain.ControlType
	Address     *lwm2m.ResourceAddress
	Topic       string
	Value       json.RawMessage
}

// Command is a compiled request for one device.
type Command struct {
	ControlType domain.ControlType
	Topic       string
	Path        string
	MsgType     string
	DeviceID    string
	Value       json.RawMessage
	body        json.RawMessage
}

// Envelope is the wire payload. TaskID lets device replies be correlated.
type Envelope struct {
	TaskID   string          `json:"task_id"`
	MsgType  string          `json:"msg_type"`
	DeviceID string          `json:"device_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type lwm2mData struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

func msgType(c domain.ControlType) string {
	if c == domain.ControlSubscribe {
		return "observe"
	}
	return string(c)
}

// Check validates the request without binding it to a device.
func Check(req Request) error {
	if !req.ControlType.Valid() {
		return fmt.Errorf("%w: unknown control type %q", domain.ErrInvalidOperationPayload, req.ControlType)
	}
	present := hasValue(req.Value)
	if present && !json.Valid(req.Value) {
		return fmt.Errorf("%w: value is not valid JSON", domain.ErrInvalidOperationPayload)
	}

	if req.ControlType == domain.ControlPublish {
		topic := strings.Trim(req.Topic, "/")
		if topic == "" {
			return fmt.Errorf("%w: publish requires a topic", domain.ErrInvalidOperationPayload)
		}
		if strings.ContainsAny(topic, "+#") {
			return fmt.Errorf("%w: publish topic %q contains wildcards", domain.ErrInvalidOperationPayload, req.Topic)
		}
		if !present {
			return fmt.Errorf("%w: publish requires a payload", domain.ErrInvalidOperationPayload)
		}
		return nil
	}

	if req.Address == nil {
		return fmt.Errorf("%w: %s requires a resource address", domain.ErrInvalidOperationPayload, req.ControlType)
	}
	if !req.Address.Allows(req.ControlType) {
		return fmt.Errorf("%w: %s not permitted on %s (operations %q)",
			domain.ErrInvalidOperationPayload, req.ControlType, req.Address.Path, req.Address.Operations)
	}
	if (req.ControlType == domain.ControlWrite || req.ControlType == domain.ControlExecute) && !present {
		return fmt.Errorf("%w: %s requires a value", domain.ErrInvalidOperationPayload, req.ControlType)
	}
	return nil
}

// Compile binds req to target. It is deterministic and has no side effects.
func Compile(target domain.Client, req Request) (Command, error) {
	if err := Check(req); err != nil {
		return Command{}, err
	}
	prefix := "/" + target.TenantID + "/" + target.ProductID + "/" + target.RouteID()
	cmd := Command{
		ControlType: req.ControlType,
		MsgType:     msgType(req.ControlType),
	}
	if target.RouteID() != target.ID {
		cmd.DeviceID = target.ID
	}

	if req.ControlType == domain.ControlPublish {
		cmd.Topic = prefix + "/" + strings.Trim(req.Topic, "/")
		cmd.Value = req.Value
		cmd.body = req.Value
		return cmd, nil
	}

	cmd.Topic = prefix + "/" + ControlSuffix
	cmd.Path = req.Address.Path
	if req.ControlType != domain.ControlRead && hasValue(req.Value) {
		cmd.Value = req.Value
	}
	body, err := json.Marshal(lwm2mData{Path: cmd.Path, Value: cmd.Value})
	if err != nil {
		return Command{}, fmt.Errorf("%w: %w", domain.ErrInvalidOperationPayload, err)
	}
	cmd.body = body
	return cmd, nil
}

// Seal renders the wire payload for the task that carries this command.
func (c Command) Seal(taskID string) ([]byte, error) {
	return json.Marshal(Envelope{
		TaskID:   taskID,
		MsgType:  c.MsgType,
		DeviceID: c.DeviceID,
		Data:     c.body,
	})
}

func hasValue(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}
