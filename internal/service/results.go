package service

import (
	"sort"

	"github.com/iago/media-jobs-back/internal/domain"
)

type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldArtifact FieldKind = "artifact"
)

const (
	ActionCopy     = "copy"
	ActionDownload = "download"
)

// ResultField is one renderable entry of a completed job's result.
type ResultField struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Filename string    `json:"filename"`
	Value    string    `json:"value"`
	Actions  []string  `json:"actions"`
}

type resultFieldSpec struct {
	key      string
	label    string
	kind     FieldKind
	filename string
}

// resultFields covers the current response schema and the older flat one,
// in display order.
var resultFields = []resultFieldSpec{
	{key: "headline", label: "Headline", kind: FieldText, filename: "headline.txt"},
	{key: "headline_short", label: "Short headline", kind: FieldText, filename: "headline-short.txt"},
	{key: "summary", label: "Summary", kind: FieldText, filename: "summary.txt"},
	{key: "transcript", label: "Transcript", kind: FieldText, filename: "transcript.txt"},
	{key: "transcript_short", label: "Short transcript", kind: FieldText, filename: "transcript-short.txt"},
	{key: "txt_translated", label: "Translated text", kind: FieldText, filename: "translation.txt"},
	{key: "gt_translated", label: "Translation", kind: FieldText, filename: "translation.txt"},
	{key: "gt_translated_short", label: "Short translation", kind: FieldText, filename: "translation-short.txt"},
	{key: "srt_original", label: "Original subtitle", kind: FieldText, filename: "subtitle-original.srt"},
	{key: "srt_translated", label: "Translated subtitle", kind: FieldText, filename: "subtitle-translated.srt"},
	{key: "generated_image_openai", label: "Generated image", kind: FieldArtifact, filename: "generated-image.jpg"},
	{key: "generated_image_url", label: "Generated image", kind: FieldArtifact, filename: "generated-image.jpg"},
	{key: "generated_image_fal", label: "Generated image (alternate)", kind: FieldArtifact, filename: "generated-image-fal.jpg"},
	{key: "generated_video_veo", label: "Generated video", kind: FieldArtifact, filename: "generated-video.mp4"},
	{key: "generated_mp4_url", label: "Generated video", kind: FieldArtifact, filename: "generated-video.mp4"},
	{key: "generated_video_webm", label: "Generated video (webm)", kind: FieldArtifact, filename: "generated-video.webm"},
}

var resultFieldIndex = func() map[string]resultFieldSpec {
	index := make(map[string]resultFieldSpec, len(resultFields))
	for _, spec := range resultFields {
		index[spec.key] = spec
	}
	return index
}()

// PresentResult renders the present, non-empty keys of payload. Known keys
// come first in catalog order; unknown keys follow alphabetically as text.
func PresentResult(payload domain.ResultPayload) []ResultField {
	fields := make([]ResultField, 0, len(payload))
	for _, spec := range resultFields {
		value, ok := payload[spec.key]
		if !ok || value == "" {
			continue
		}
		fields = append(fields, newResultField(spec, value))
	}

	unknown := make([]string, 0)
	for key, value := range payload {
		if _, known := resultFieldIndex[key]; known || value == "" {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		fields = append(fields, newResultField(resultFieldSpec{
			key:      key,
			label:    key,
			kind:     FieldText,
			filename: key + ".txt",
		}, payload[key]))
	}
	return fields
}

func newResultField(spec resultFieldSpec, value string) ResultField {
	actions := []string{ActionDownload}
	if spec.kind == FieldText {
		actions = []string{ActionCopy, ActionDownload}
	}
	return ResultField{
		Key:      spec.key,
		Label:    spec.label,
		Kind:     spec.kind,
		Filename: spec.filename,
		Value:    value,
		Actions:  actions,
	}
}
