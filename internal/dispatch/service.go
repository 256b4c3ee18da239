package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ctlflow/internal/command"
	"ctlflow/internal/domain"
	"ctlflow/internal/lwm2m"
	"ctlflow/internal/store"
)

// SingleRequest asks for one command to one device. LWM2M control types
// carry Address; publish carries Topic.
type SingleRequest struct {
	DeviceID    string
	ControlType domain.ControlType
	Topic       string
	Address     *domain.Address
	Payload     json.RawMessage
	OwnerID     string
	TaskID      string
}

type GroupRequest struct {
	GroupID     string
	ControlType domain.ControlType
	Topic       string
	Address     *domain.Address
	Payload     json.RawMessage
	OwnerID     string
	TaskID      string
}

// Status is what GetStatus found for an id: either a task, or a group task
// with its children.
type Status struct {
	Task      *domain.Task
	GroupTask *domain.GroupTask
	Children  []domain.Task
}

// Service is the submission API.
type Service struct {
	repo     store.Repository
	dir      store.Directory
	resolver *lwm2m.Resolver
	disp     *Dispatcher
	coord    *Coordinator
}

func NewService(repo store.Repository, dir store.Directory, disp *Dispatcher, coord *Coordinator) *Service {
	return &Service{repo: repo, dir: dir, resolver: lwm2m.NewResolver(dir), disp: disp, coord: coord}
}

func (s *Service) request(ctx context.Context, productID string, ct domain.ControlType, topic string, addr *domain.Address, payload json.RawMessage) (command.Request, error) {
	req := command.Request{ControlType: ct, Topic: topic, Value: payload}
	if ct.IsLWM2M() {
		if addr == nil {
			return req, fmt.Errorf("%w: %s requires a resource address", domain.ErrInvalidOperationPayload, ct)
		}
		ra, err := s.resolver.Resolve(ctx, productID, addr.ObjectID, addr.InstanceID, addr.ItemID)
		if err != nil {
			return req, err
		}
		req.Address = &ra
	}
	return req, command.Check(req)
}

// SubmitSingle validates and compiles the request, then dispatches it. An
// unknown device yields a FAILED task rather than an error, as long as the
// request itself is well formed.
func (s *Service) SubmitSingle(ctx context.Context, r SingleRequest) (domain.Task, error) {
	opts := Options{TaskID: r.TaskID, OwnerID: r.OwnerID}
	device, err := s.dir.Device(ctx, r.DeviceID)
	if errors.Is(err, domain.ErrUnknownDevice) {
		return s.reject(ctx, r, opts)
	}
	if err != nil {
		return domain.Task{}, err
	}
	req, err := s.request(ctx, device.ProductID, r.ControlType, r.Topic, r.Address, r.Payload)
	if err != nil {
		return domain.Task{}, err
	}
	cmd, err := command.Compile(device, req)
	if err != nil {
		return domain.Task{}, err
	}
	return s.disp.Submit(ctx, cmd, device, opts)
}

func (s *Service) reject(ctx context.Context, r SingleRequest, opts Options) (domain.Task, error) {
	if !r.ControlType.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown control type %q", domain.ErrInvalidOperationPayload, r.ControlType)
	}
	var path string
	if r.ControlType.IsLWM2M() {
		if r.Address == nil {
			return domain.Task{}, fmt.Errorf("%w: %s requires a resource address", domain.ErrInvalidOperationPayload, r.ControlType)
		}
		path = lwm2m.Path(r.Address.ObjectID, r.Address.InstanceID, r.Address.ItemID)
	} else if err := command.Check(command.Request{ControlType: r.ControlType, Topic: r.Topic, Value: r.Payload}); err != nil {
		return domain.Task{}, err
	}
	return s.disp.Reject(ctx, r.DeviceID, r.ControlType, r.Topic, path, opts)
}

// SubmitGroup resolves the address against the group's product and fans the
// command out to the current members.
func (s *Service) SubmitGroup(ctx context.Context, r GroupRequest) (domain.GroupTask, error) {
	g, err := s.dir.Group(ctx, r.GroupID)
	if err != nil {
		return domain.GroupTask{}, err
	}
	req, err := s.request(ctx, g.ProductID, r.ControlType, r.Topic, r.Address, r.Payload)
	if err != nil {
		return domain.GroupTask{}, err
	}
	return s.coord.SubmitGroup(ctx, g, req, Options{TaskID: r.TaskID, OwnerID: r.OwnerID})
}

// GetStatus looks id up as a task first, then as a group task.
func (s *Service) GetStatus(ctx context.Context, id string) (Status, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err == nil {
		return Status{Task: &t}, nil
	}
	if !errors.Is(err, domain.ErrUnknownTask) {
		return Status{}, err
	}
	g, err := s.repo.GetGroupTask(ctx, id)
	if err != nil {
		return Status{}, err
	}
	kids, err := s.repo.ListByGroupTask(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{GroupTask: &g, Children: kids}, nil
}

// Cancel fails a PENDING task, or every PENDING child of a group task, with
// reason canceled. A task already SENT can only be resolved by its ack or by
// timeout and yields ErrNotCancelable. Canceling a finished task is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (Status, error) {
	t, err := s.repo.GetTask(ctx, id)
	if errors.Is(err, domain.ErrUnknownTask) {
		if _, _, err := s.coord.CancelGroup(ctx, id); err != nil {
			return Status{}, err
		}
		return s.GetStatus(ctx, id)
	}
	if err != nil {
		return Status{}, err
	}

	if t.Status == domain.TaskPending {
		t, err = s.repo.Transition(ctx, id, domain.TaskFailed, domain.ReasonCanceled)
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return Status{}, err
		}
		if err == nil && t.GroupTaskID != nil {
			if _, err := s.coord.Recompute(ctx, *t.GroupTaskID); err != nil {
				return Status{}, err
			}
		}
	}
	if t.Status == domain.TaskSent {
		return Status{Task: &t}, fmt.Errorf("%w: task %s already sent", domain.ErrNotCancelable, id)
	}
	return Status{Task: &t}, nil
}
