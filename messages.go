package jobtier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidMessage wraps every decoding or schema failure of a queue message.
var ErrInvalidMessage = errors.New("invalid message")

// EpochSeconds is a Unix timestamp that decodes from a JSON number or a
// numeric string and always encodes as a number.
type EpochSeconds int64

func (e *EpochSeconds) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch seconds %s: %w", string(b), err)
	}
	*e = EpochSeconds(n)
	return nil
}

// SubmitMessage is sent on the submit queue for every new job.
type SubmitMessage struct {
	JobID        string       `json:"job_id"`
	UserID       string       `json:"user_id"`
	UserRole     string       `json:"user_role"`
	SubmitTime   EpochSeconds `json:"submit_time"`
	InputsBucket string       `json:"s3_inputs_bucket"`
	InputFileKey string       `json:"s3_key_input_file"`
}

// Key returns the job record key addressed by the message.
func (m *SubmitMessage) Key() JobKey {
	return JobKey{JobID: m.JobID, SubmitTime: int64(m.SubmitTime)}
}

// ArchiveRequest asks the Archiver to consider one job.
type ArchiveRequest struct {
	JobID      string       `json:"job_id"`
	UserID     string       `json:"user_id"`
	SubmitTime EpochSeconds `json:"submit_time"`
}

func (m *ArchiveRequest) Key() JobKey {
	return JobKey{JobID: m.JobID, SubmitTime: int64(m.SubmitTime)}
}

// ThawRequest announces that a user was upgraded to premium.
type ThawRequest struct {
	UserID string `json:"user_id"`
}

// JobDescription travels through the vault as the retrieval description so
// the completion notification can find its way back to the job.
type JobDescription struct {
	JobID         string       `json:"job_id"`
	ArchiveID     string       `json:"archive_id"`
	SubmitTime    EpochSeconds `json:"submit_time"`
	UserID        string       `json:"user_id"`
	ResultFileKey string       `json:"s3_key_result_file"`
	ResultsBucket string       `json:"s3_results_bucket,omitempty"`
}

func (d *JobDescription) Key() JobKey {
	return JobKey{JobID: d.JobID, SubmitTime: int64(d.SubmitTime)}
}

// JobDescriptionField holds the description as raw JSON text. It encodes as
// a JSON string and decodes from either a string or an embedded object.
type JobDescriptionField struct {
	Raw string
}

func (f JobDescriptionField) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Raw)
}

func (f *JobDescriptionField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &f.Raw)
	}
	f.Raw = string(b)
	return nil
}

// Decode parses and validates the description.
func (f JobDescriptionField) Decode() (*JobDescription, error) {
	var d JobDescription
	if err := decodeValidated(jobDescriptionSchema, []byte(f.Raw), &d); err != nil {
		return nil, fmt.Errorf("job description: %w", err)
	}
	return &d, nil
}

// NewJobDescriptionField encodes d for use as a retrieval description.
func NewJobDescriptionField(d JobDescription) (JobDescriptionField, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return JobDescriptionField{}, fmt.Errorf("failed to marshal job description: %w", err)
	}
	return JobDescriptionField{Raw: string(b)}, nil
}

// Retrieval status codes carried by vault notifications.
const (
	RetrievalSucceeded = "Succeeded"
	RetrievalFailed    = "Failed"
)

// VaultNotification announces a completed retrieval.
type VaultNotification struct {
	JobID          string              `json:"JobId"`
	Action         string              `json:"Action,omitempty"`
	ArchiveID      string              `json:"ArchiveId,omitempty"`
	Completed      bool                `json:"Completed"`
	StatusCode     string              `json:"StatusCode,omitempty"`
	StatusMessage  string              `json:"StatusMessage,omitempty"`
	JobDescription JobDescriptionField `json:"JobDescription"`
	Tier           RetrievalTier       `json:"Tier,omitempty"`
}

// topicEnvelope is the wrapper a notification topic puts around the payload
// when it forwards to a queue.
type topicEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

var (
	// job_id and user_id name workspace directories: one non-empty path
	// segment, not "." or "..".
	submitSchema = compileSchema("submit.json", `{
		"type": "object",
		"required": ["job_id", "user_id", "submit_time", "s3_inputs_bucket", "s3_key_input_file"],
		"$defs": {
			"pathSegment": {"type": "string", "pattern": "^([^./\\\\][^/\\\\]*|\\.[^./\\\\][^/\\\\]*|\\.\\.[^/\\\\]+)$"}
		},
		"properties": {
			"job_id": {"$ref": "#/$defs/pathSegment"},
			"user_id": {"$ref": "#/$defs/pathSegment"},
			"user_role": {"type": "string"},
			"submit_time": {"type": ["integer", "string"], "pattern": "^-?[0-9]+$"},
			"s3_inputs_bucket": {"type": "string", "minLength": 1},
			"s3_key_input_file": {"type": "string", "minLength": 1}
		}
	}`)

	archiveRequestSchema = compileSchema("archive_request.json", `{
		"type": "object",
		"required": ["job_id", "submit_time"],
		"properties": {
			"job_id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string"},
			"submit_time": {"type": ["integer", "string"], "pattern": "^-?[0-9]+$"}
		}
	}`)

	thawRequestSchema = compileSchema("thaw_request.json", `{
		"type": "object",
		"required": ["user_id"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1}
		}
	}`)

	notificationSchema = compileSchema("notification.json", `{
		"type": "object",
		"required": ["JobId", "JobDescription"],
		"properties": {
			"JobId": {"type": "string", "minLength": 1},
			"StatusCode": {"type": "string"},
			"JobDescription": {"type": ["string", "object"]}
		}
	}`)

	jobDescriptionSchema = compileSchema("job_description.json", `{
		"type": "object",
		"required": ["job_id", "archive_id", "submit_time", "user_id", "s3_key_result_file"],
		"properties": {
			"job_id": {"type": "string", "minLength": 1},
			"archive_id": {"type": "string", "minLength": 1},
			"submit_time": {"type": ["integer", "string"], "pattern": "^-?[0-9]+$"},
			"user_id": {"type": "string", "minLength": 1},
			"s3_key_result_file": {"type": "string", "minLength": 1},
			"s3_results_bucket": {"type": "string"}
		}
	}`)
)

func compileSchema(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// decodeValidated validates data against schema and then decodes it into out.
func decodeValidated(schema *jsonschema.Schema, data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// unwrapEnvelope returns the inner payload of a topic envelope, or body unchanged.
func unwrapEnvelope(body []byte) []byte {
	var env topicEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" && env.Message != "" {
		return []byte(env.Message)
	}
	return body
}

// DecodeSubmitMessage parses a submit-queue body.
func DecodeSubmitMessage(body []byte) (*SubmitMessage, error) {
	var m SubmitMessage
	if err := decodeValidated(submitSchema, unwrapEnvelope(body), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeArchiveRequest parses an archive-request body. It also accepts a
// completion event, which carries the same keys.
func DecodeArchiveRequest(body []byte) (*ArchiveRequest, error) {
	var m ArchiveRequest
	if err := decodeValidated(archiveRequestSchema, unwrapEnvelope(body), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeThawRequest parses a thaw-request body.
func DecodeThawRequest(body []byte) (*ThawRequest, error) {
	var m ThawRequest
	if err := decodeValidated(thawRequestSchema, unwrapEnvelope(body), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeVaultNotification parses a restore-complete body, raw or enveloped.
func DecodeVaultNotification(body []byte) (*VaultNotification, error) {
	var n VaultNotification
	if err := decodeValidated(notificationSchema, unwrapEnvelope(body), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// EncodeMessage marshals a message body.
func EncodeMessage(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return b, nil
}
