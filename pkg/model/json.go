package model

import (
	"encoding/json"
	"fmt"
)

func decodeActivity(raw json.RawMessage) (Activity, error) {
	var env struct {
		Type ActivityType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to read activity type tag: %w", err)
	}
	var (
		a   Activity
		err error
	)
	switch env.Type {
	case ActivityTypeExternalTask:
		a, err = decodeAs[ExternalTask](raw)
	case ActivityTypeReceiveTask:
		a, err = decodeAs[ReceiveTask](raw)
	case ActivityTypeSendTask:
		a, err = decodeAs[SendTask](raw)
	case ActivityTypeExclusiveGateway:
		a, err = decodeAs[ExclusiveGateway](raw)
	case ActivityTypeInclusiveGateway:
		a, err = decodeAs[InclusiveGateway](raw)
	case ActivityTypeParallelGateway:
		a, err = decodeAs[ParallelGateway](raw)
	case ActivityTypeEventBasedGateway:
		a, err = decodeAs[EventBasedGateway](raw)
	case ActivityTypeStartEvent:
		a, err = decodeAs[StartEvent](raw)
	case ActivityTypeEndEvent:
		a, err = decodeAs[EndEvent](raw)
	case ActivityTypeIntermediateCatch:
		a, err = decodeAs[IntermediateCatchEvent](raw)
	case ActivityTypeIntermediateThrow:
		a, err = decodeAs[IntermediateThrowEvent](raw)
	case ActivityTypeBoundaryEvent:
		a, err = decodeAs[BoundaryEvent](raw)
	case ActivityTypeSubProcess:
		a, err = decodeAs[SubProcess](raw)
	case ActivityTypeEventSubProcess:
		a, err = decodeAs[EventSubProcess](raw)
	case ActivityTypeCallActivity:
		a, err = decodeAs[CallActivity](raw)
	default:
		return nil, fmt.Errorf("unknown activity type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s activity: %w", env.Type, err)
	}
	return a, nil
}

func decodeAs[T Activity](raw json.RawMessage) (Activity, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeActivity(a Activity) (json.RawMessage, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	// splice the type tag into the activity's own object
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(a.GetType())
	return json.Marshal(fields)
}

type processDefinitionJSON struct {
	Id         string            `json:"id"`
	Key        string            `json:"key"`
	Version    int32             `json:"version"`
	Name       string            `json:"name,omitempty"`
	Activities []json.RawMessage `json:"activities"`
	Flows      []Flow            `json:"flows,omitempty"`
	Messages   []Message         `json:"messages,omitempty"`
	Errors     []Error           `json:"errors,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (d *ProcessDefinition) UnmarshalJSON(data []byte) error {
	var raw processDefinitionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	activities := make([]Activity, 0, len(raw.Activities))
	for _, ra := range raw.Activities {
		a, err := decodeActivity(ra)
		if err != nil {
			return err
		}
		activities = append(activities, a)
	}
	*d = ProcessDefinition{
		Id:         raw.Id,
		Key:        raw.Key,
		Version:    raw.Version,
		Name:       raw.Name,
		Activities: activities,
		Flows:      raw.Flows,
		Messages:   raw.Messages,
		Errors:     raw.Errors,
		Metadata:   raw.Metadata,
	}
	return nil
}

func (d ProcessDefinition) MarshalJSON() ([]byte, error) {
	raw := processDefinitionJSON{
		Id:       d.Id,
		Key:      d.Key,
		Version:  d.Version,
		Name:     d.Name,
		Flows:    d.Flows,
		Messages: d.Messages,
		Errors:   d.Errors,
		Metadata: d.Metadata,
	}
	raw.Activities = make([]json.RawMessage, 0, len(d.Activities))
	for _, a := range d.Activities {
		enc, err := encodeActivity(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode activity %s: %w", a.GetId(), err)
		}
		raw.Activities = append(raw.Activities, enc)
	}
	return json.Marshal(raw)
}
