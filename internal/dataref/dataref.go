// Package dataref provides a protocol-agnostic reference to a piece of data
// flowing between the operations of a workflow.
package dataref

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Protocol identifies how a DataReference's URI should be interpreted.
type Protocol string

// Supported transfer protocols.
const (
	ProtocolS3     Protocol = "s3"
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolNFS    Protocol = "nfs"
	ProtocolGRPC   Protocol = "grpc"
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolVillas Protocol = "villas"
	ProtocolInline Protocol = "inline"
	ProtocolFile   Protocol = "file"
)

var validProtocols = map[Protocol]bool{
	ProtocolS3: true, ProtocolHTTP: true, ProtocolHTTPS: true, ProtocolNFS: true,
	ProtocolGRPC: true, ProtocolMQTT: true, ProtocolVillas: true, ProtocolInline: true,
	ProtocolFile: true,
}

// Format identifies how the referenced bytes are serialized.
type Format string

// Supported serialization formats.
const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatParquet  Format = "parquet"
	FormatProtobuf Format = "protobuf"
	FormatBinary   Format = "binary"
	FormatXML      Format = "xml"
)

var validFormats = map[Format]bool{
	FormatJSON: true, FormatCSV: true, FormatParquet: true, FormatProtobuf: true,
	FormatBinary: true, FormatXML: true,
}

// DataReference is an immutable, protocol-agnostic pointer to data location.
// Once constructed via New or NewInline it must not be mutated; callers that
// need a modified copy should build a new DataReference.
type DataReference struct {
	Protocol   Protocol               `json:"protocol" validate:"required"`
	URI        string                 `json:"uri" validate:"required"`
	Format     Format                 `json:"format" validate:"required"`
	SchemaURI  string                 `json:"schema_uri,omitempty"`
	SizeBytes  *int64                 `json:"size_bytes,omitempty"`
	Checksum   string                 `json:"checksum,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

var validate = validator.New()

// New constructs and validates a DataReference. It mirrors the layered
// validation of the original pydantic model: per-field checks (protocol and
// format enums, non-empty URI, size, checksum), then struct-level required
// fields, then a protocol/URI cross-check.
func New(protocol Protocol, uri string, format Format, opts ...Option) (*DataReference, error) {
	ref := &DataReference{
		Protocol: protocol,
		URI:      uri,
		Format:   format,
		Metadata: map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(ref)
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return ref, nil
}

// Option customizes a DataReference at construction time.
type Option func(*DataReference)

// WithSchemaURI sets the optional schema URI.
func WithSchemaURI(uri string) Option {
	return func(r *DataReference) { r.SchemaURI = uri }
}

// WithSizeBytes sets the optional, non-negative size in bytes.
func WithSizeBytes(n int64) Option {
	return func(r *DataReference) { r.SizeBytes = &n }
}

// WithChecksum sets the optional checksum in "algorithm:value" form.
func WithChecksum(checksum string) Option {
	return func(r *DataReference) { r.Checksum = checksum }
}

// WithMetadata sets free-form metadata.
func WithMetadata(meta map[string]interface{}) Option {
	return func(r *DataReference) { r.Metadata = meta }
}

// NewInline builds a DataReference carrying data inline, base64-encoded in
// the URI field, the Go equivalent of the original model's
// from_inline_data classmethod.
func NewInline(data []byte, format Format, opts ...Option) (*DataReference, error) {
	size := int64(len(data))
	allOpts := append([]Option{WithSizeBytes(size)}, opts...)
	return New(ProtocolInline, base64.StdEncoding.EncodeToString(data), format, allOpts...)
}

// InlineBytes decodes the inline payload. It only succeeds for references
// whose Protocol is ProtocolInline.
func (r *DataReference) InlineBytes() ([]byte, error) {
	if r.Protocol != ProtocolInline {
		return nil, fmt.Errorf("dataref: InlineBytes only valid for protocol %q, got %q", ProtocolInline, r.Protocol)
	}
	return base64.StdEncoding.DecodeString(r.URI)
}

// Validate re-runs every validation rule against the reference. It is
// exported so callers deserializing a DataReference from storage or the
// wire (where the constructor was bypassed) can re-check it.
func (r *DataReference) Validate() error {
	if !validProtocols[r.Protocol] {
		return fmt.Errorf("dataref: unknown protocol %q", r.Protocol)
	}
	if !validFormats[r.Format] {
		return fmt.Errorf("dataref: unknown format %q", r.Format)
	}
	if strings.TrimSpace(r.URI) == "" {
		return fmt.Errorf("dataref: uri must not be empty")
	}
	if r.SizeBytes != nil && *r.SizeBytes < 0 {
		return fmt.Errorf("dataref: size_bytes must be non-negative, got %d", *r.SizeBytes)
	}
	if r.Checksum != "" {
		alg, val, ok := strings.Cut(r.Checksum, ":")
		if !ok || alg == "" || val == "" {
			return fmt.Errorf("dataref: checksum must be algorithm:value format, got %q", r.Checksum)
		}
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("dataref: %w", err)
	}
	return validateURIForProtocol(r.Protocol, r.URI)
}

// validateURIForProtocol enforces the protocol-specific URI shape rules
// that struct tags can't express — the Go stand-in for the original
// model_validator(mode="after").
func validateURIForProtocol(protocol Protocol, uri string) error {
	switch protocol {
	case ProtocolS3:
		if !strings.HasPrefix(uri, "s3://") {
			return fmt.Errorf("dataref: s3 uri must start with s3://, got %q", uri)
		}
	case ProtocolHTTP:
		if !strings.HasPrefix(uri, "http://") {
			return fmt.Errorf("dataref: http uri must start with http://, got %q", uri)
		}
	case ProtocolHTTPS:
		if !strings.HasPrefix(uri, "https://") {
			return fmt.Errorf("dataref: https uri must start with https://, got %q", uri)
		}
	case ProtocolNFS:
		if !strings.Contains(uri, ":") {
			return fmt.Errorf("dataref: nfs uri must be host:path format, got %q", uri)
		}
	case ProtocolMQTT:
		if !strings.HasPrefix(uri, "mqtt://") && !strings.HasPrefix(uri, "mqtts://") {
			return fmt.Errorf("dataref: mqtt uri must start with mqtt:// or mqtts://, got %q", uri)
		}
	case ProtocolInline:
		if _, err := base64.StdEncoding.DecodeString(uri); err != nil {
			return fmt.Errorf("dataref: inline uri must be valid base64: %w", err)
		}
	}
	return nil
}
