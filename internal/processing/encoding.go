package processing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/iago/media-jobs-back/internal/domain"
)

type Schema string

const (
	// SchemaJSON posts {url, outputs} with per-kind external field flags.
	SchemaJSON Schema = "json"
	// SchemaMultipart is the legacy analyze form with coarse include_* flags.
	SchemaMultipart Schema = "multipart"
)

func ParseSchema(value string) (Schema, error) {
	switch Schema(value) {
	case SchemaJSON, "":
		return SchemaJSON, nil
	case SchemaMultipart:
		return SchemaMultipart, nil
	}
	return "", fmt.Errorf("unknown processing schema %q", value)
}

// encodedBody is a request body with its size when known (-1 otherwise).
type encodedBody struct {
	Reader      io.Reader
	Length      int64
	ContentType string
}

type jsonRequest struct {
	URL     string          `json:"url"`
	Outputs map[string]bool `json:"outputs"`
}

func encodeJSON(request Request) (encodedBody, error) {
	if request.Upload != nil {
		return encodedBody{}, ErrUploadUnsupported
	}
	payload, err := json.Marshal(jsonRequest{
		URL:     request.SourceURL,
		Outputs: domain.ExternalOutputs(request.Outputs),
	})
	if err != nil {
		return encodedBody{}, fmt.Errorf("marshal processing payload: %w", err)
	}
	return encodedBody{
		Reader:      bytes.NewReader(payload),
		Length:      int64(len(payload)),
		ContentType: "application/json",
	}, nil
}

// encodeMultipart streams the upload between a buffered head and tail so the
// total length is known whenever the upload size is.
func encodeMultipart(request Request) (encodedBody, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)

	if request.SourceURL != "" {
		if err := writer.WriteField("url", request.SourceURL); err != nil {
			return encodedBody{}, fmt.Errorf("write url field: %w", err)
		}
	}
	flags := domain.LegacyOutputFlags(request.Outputs)
	for _, flag := range domain.LegacyFlags {
		if !flags[flag] {
			continue
		}
		if err := writer.WriteField(flag, "true"); err != nil {
			return encodedBody{}, fmt.Errorf("write %s field: %w", flag, err)
		}
	}

	if request.Upload == nil {
		if err := writer.Close(); err != nil {
			return encodedBody{}, fmt.Errorf("close multipart body: %w", err)
		}
		return encodedBody{
			Reader:      bytes.NewReader(buffer.Bytes()),
			Length:      int64(buffer.Len()),
			ContentType: writer.FormDataContentType(),
		}, nil
	}

	if _, err := writer.CreateFormFile("file", request.Upload.Name); err != nil {
		return encodedBody{}, fmt.Errorf("create file part: %w", err)
	}
	head := append([]byte(nil), buffer.Bytes()...)
	buffer.Reset()
	if err := writer.Close(); err != nil {
		return encodedBody{}, fmt.Errorf("close multipart body: %w", err)
	}
	tail := append([]byte(nil), buffer.Bytes()...)

	length := int64(-1)
	if request.Upload.Size > 0 {
		length = int64(len(head)) + request.Upload.Size + int64(len(tail))
	}
	return encodedBody{
		Reader:      io.MultiReader(bytes.NewReader(head), request.Upload.Body, bytes.NewReader(tail)),
		Length:      length,
		ContentType: writer.FormDataContentType(),
	}, nil
}
