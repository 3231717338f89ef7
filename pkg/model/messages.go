package model

import (
	"encoding/json"
	"time"
)

// ScriptLanguage is the language of a SCRIPT processor.
type ScriptLanguage string

const (
	LanguageJavaScript ScriptLanguage = "JAVASCRIPT"
	LanguageStrings    ScriptLanguage = "STRINGS"
	LanguagePython     ScriptLanguage = "PYTHON"
	LanguageClojure    ScriptLanguage = "CLOJURE"
)

// OutOfProcess reports whether the language is executed by a remote service.
func (l ScriptLanguage) OutOfProcess() bool {
	return l == LanguagePython || l == LanguageClojure
}

// DestinationType is where a COLLECT processor writes.
type DestinationType string

const (
	DestinationFolder    DestinationType = "FOLDER"
	DestinationAzureBlob DestinationType = "AZURE_BLOB"
	DestinationS3        DestinationType = "S3"
)

// CollectionResult is the outcome of a collector write.
type CollectionResult string

const (
	CollectionSuccess CollectionResult = "SUCCESS"
	CollectionError   CollectionResult = "ERROR"
)

// StartWorkflow asks the control plane to run the latest plan of a workflow.
type StartWorkflow struct {
	WorkflowID string `json:"workflowId"`
}

// StopWorkflow asks the control plane to tear down a run plan.
// ID is the run plan id; when empty every plan of WorkflowID is stopped.
type StopWorkflow struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`
}

// StartRunPlan redispatches a persisted plan.
type StartRunPlan struct {
	RunPlan *RunPlan `json:"runPlan"`
}

// CollectionComplete reports the result of a collector write.
type CollectionComplete struct {
	DestinationType DestinationType  `json:"destinationType"`
	WorkflowID      string           `json:"workflowId"`
	ProcessorID     string           `json:"processorId"`
	Timestamp       time.Time        `json:"timestamp"`
	Location        string           `json:"location"`
	CollectionID    string           `json:"collectionId"`
	Result          CollectionResult `json:"result"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
}

// RunPlanFailure reports a dead-lettered stage failure.
type RunPlanFailure struct {
	RunPlanID   string    `json:"runPlanId"`
	ProcessorID string    `json:"processorId"`
	Category    string    `json:"category"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunPlanStartFailure reports a plan that could not be compiled or started.
type RunPlanStartFailure struct {
	RunPlanID string    `json:"runPlanId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode serializes a message to JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes a JSON message into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
