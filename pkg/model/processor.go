package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProcessorType is the kind of a processor in a workflow.
type ProcessorType string

const (
	ProcessorIngest   ProcessorType = "INGEST"
	ProcessorScript   ProcessorType = "SCRIPT"
	ProcessorExternal ProcessorType = "EXTERNAL"
	ProcessorCollect  ProcessorType = "COLLECT"
	ProcessorPlugin   ProcessorType = "PLUGIN"
)

// Valid reports whether t is a known processor kind.
func (t ProcessorType) Valid() bool {
	switch t {
	case ProcessorIngest, ProcessorScript, ProcessorExternal, ProcessorCollect, ProcessorPlugin:
		return true
	}
	return false
}

// SourceType is the kind of an input feeding a processor.
type SourceType string

const (
	SourceFileDrop  SourceType = "FILE_DROP"
	SourceFTP       SourceType = "FTP"
	SourceS3        SourceType = "S3"
	SourceProcessor SourceType = "PROCESSOR"
	SourceNone      SourceType = "NONE"
)

// UnmarshalJSON accepts both the short names and the INGEST_ prefixed ones.
func (s *SourceType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseSourceType(raw)
	return nil
}

// ParseSourceType normalizes a source type name.
func ParseSourceType(raw string) SourceType {
	name := strings.ToUpper(strings.TrimSpace(raw))
	name = strings.TrimPrefix(name, "INGEST_")
	if name == "" {
		return SourceNone
	}
	return SourceType(name)
}

// IsExternal reports whether the source reads from outside the run plan.
func (s SourceType) IsExternal() bool {
	return s == SourceFileDrop || s == SourceFTP || s == SourceS3
}

// TriggerType is carried on definitions but not evaluated by the engine.
type TriggerType string

const (
	TriggerAutomatic TriggerType = "AUTOMATIC"
	TriggerManual    TriggerType = "MANUAL"
)

// Property keys understood by the execution units.
const (
	PropLanguage    = "language"
	PropCode        = "code"
	PropServiceName = "serviceName"
	PropType        = "type"
	PropLocation    = "location"
	PropCollection  = "collection"
	PropBucket      = "bucket"
	PropUsername    = "username"
	PropPassword    = "password"
)

// SourceModel is one declared input of a processor.
type SourceModel struct {
	SourceType           SourceType     `json:"sourceType"`
	SourceLocation       string         `json:"sourceLocation"`
	AdditionalProperties map[string]any `json:"additionalProperties,omitempty"`
}

// Property returns the string form of an additional property, or "".
func (s SourceModel) Property(key string) string {
	return stringProperty(s.AdditionalProperties, key)
}

// ProcessorDefinition is a user-authored processor of a workflow.
type ProcessorDefinition struct {
	ID          string         `json:"id"`
	FlowID      string         `json:"flowId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Creator     string         `json:"creator,omitempty"`
	Phase       int            `json:"phase"`
	Order       int            `json:"order"`
	Type        ProcessorType  `json:"type"`
	TriggerType TriggerType    `json:"triggerType,omitempty"`
	Inputs      []SourceModel  `json:"inputs"`
	Properties  map[string]any `json:"additionalProperties,omitempty"`
	CreatedOn   time.Time      `json:"createdOn"`
	UpdatedOn   time.Time      `json:"updatedOn"`
}

// ProcessorRunModel is the snapshot of a definition taken into a run plan.
type ProcessorRunModel struct {
	ID         string         `json:"id"`
	FlowID     string         `json:"flowId"`
	Name       string         `json:"name"`
	Type       ProcessorType  `json:"type"`
	Phase      int            `json:"phase"`
	Order      int            `json:"order"`
	Inputs     []SourceModel  `json:"inputs"`
	Properties map[string]any `json:"additionalProperties,omitempty"`
}

// NewProcessorRunModel snapshots a definition.
func NewProcessorRunModel(def ProcessorDefinition) ProcessorRunModel {
	inputs := make([]SourceModel, len(def.Inputs))
	for i, in := range def.Inputs {
		inputs[i] = SourceModel{
			SourceType:           in.SourceType,
			SourceLocation:       in.SourceLocation,
			AdditionalProperties: copyProperties(in.AdditionalProperties),
		}
	}
	return ProcessorRunModel{
		ID:         def.ID,
		FlowID:     def.FlowID,
		Name:       def.Name,
		Type:       def.Type,
		Phase:      def.Phase,
		Order:      def.Order,
		Inputs:     inputs,
		Properties: copyProperties(def.Properties),
	}
}

// Property returns the string form of a processor property, or "".
func (p ProcessorRunModel) Property(key string) string {
	return stringProperty(p.Properties, key)
}

// ProcessorInputs returns the ids of the upstream processors feeding p.
func (p ProcessorRunModel) ProcessorInputs() []string {
	var ids []string
	for _, in := range p.Inputs {
		if in.SourceType == SourceProcessor {
			ids = append(ids, in.SourceLocation)
		}
	}
	return ids
}

func (p ProcessorRunModel) clone() ProcessorRunModel {
	def := ProcessorDefinition{
		ID: p.ID, FlowID: p.FlowID, Name: p.Name, Type: p.Type,
		Phase: p.Phase, Order: p.Order, Inputs: p.Inputs, Properties: p.Properties,
	}
	return NewProcessorRunModel(def)
}

func stringProperty(props map[string]any, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// copyProperties deep-copies nested maps and slices decoded from JSON.
func copyProperties(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyProperties(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = copyValue(t[i])
		}
		return s
	default:
		return v
	}
}
