package domain

import (
	"fmt"
	"strings"
)

type OutputKind string

const (
	OutputSummary       OutputKind = "summary"
	OutputHeadline      OutputKind = "headline"
	OutputHeadlineShort OutputKind = "headline_short"
	OutputTranscript    OutputKind = "transcript"
	OutputSRTOriginal   OutputKind = "srt_original"
	OutputSRTTranslated OutputKind = "srt_translated"
	OutputTXTTranslated OutputKind = "txt_translated"
	OutputImageOpenAI   OutputKind = "image_openai"
	OutputImageFal      OutputKind = "image_fal"
	OutputVideoVeo      OutputKind = "video_veo"
)

type outputSpec struct {
	Kind          OutputKind
	ExternalField string
	LegacyFlag    string
	Label         string
}

// outputCatalog is ordered as presented to users. ExternalField is the
// processing service's name for the kind and is not derived from the id.
var outputCatalog = []outputSpec{
	{OutputSummary, "summary", "include_summary", "Summary"},
	{OutputHeadline, "headline", "include_summary", "Headline"},
	{OutputHeadlineShort, "headline_short", "include_summary", "Short headline"},
	{OutputTranscript, "transcript", "include_transcript", "Transcript"},
	{OutputSRTOriginal, "srt_original", "include_srt", "Original subtitles"},
	{OutputSRTTranslated, "srt_translated", "include_srt", "Translated subtitles"},
	{OutputTXTTranslated, "txt_translated", "include_transcript", "Translated text"},
	{OutputImageOpenAI, "generated_image_openai", "include_image", "Generated image (A)"},
	{OutputImageFal, "generated_image_fal", "include_image", "Generated image (B)"},
	{OutputVideoVeo, "generated_video_veo", "include_video", "Generated video"},
}

var outputIndex = func() map[OutputKind]outputSpec {
	index := make(map[OutputKind]outputSpec, len(outputCatalog))
	for _, spec := range outputCatalog {
		index[spec.Kind] = spec
	}
	return index
}()

// LegacyFlags lists every boolean field of the multipart analyze form.
var LegacyFlags = []string{
	"include_summary",
	"include_transcript",
	"include_srt",
	"include_image",
	"include_video",
}

func (k OutputKind) Valid() bool {
	_, ok := outputIndex[k]
	return ok
}

func (k OutputKind) ExternalField() string {
	return outputIndex[k].ExternalField
}

func (k OutputKind) LegacyFlag() string {
	return outputIndex[k].LegacyFlag
}

func (k OutputKind) Label() string {
	if spec, ok := outputIndex[k]; ok {
		return spec.Label
	}
	return string(k)
}

type OutputDescriptor struct {
	ID            OutputKind `json:"id"`
	Label         string     `json:"label"`
	ExternalField string     `json:"external_field"`
}

func OutputCatalog() []OutputDescriptor {
	items := make([]OutputDescriptor, 0, len(outputCatalog))
	for _, spec := range outputCatalog {
		items = append(items, OutputDescriptor{
			ID:            spec.Kind,
			Label:         spec.Label,
			ExternalField: spec.ExternalField,
		})
	}
	return items
}

// ParseOutputKinds validates ids and drops duplicates, keeping first-seen order.
func ParseOutputKinds(values []string) ([]OutputKind, error) {
	kinds := make([]OutputKind, 0, len(values))
	seen := make(map[OutputKind]struct{}, len(values))
	for _, raw := range values {
		kind := OutputKind(strings.ToLower(strings.TrimSpace(raw)))
		if kind == "" {
			continue
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown output kind %q", raw)
		}
		if _, exists := seen[kind]; exists {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// ExternalOutputs builds the `outputs` flag map sent in the JSON request body.
func ExternalOutputs(kinds []OutputKind) map[string]bool {
	flags := make(map[string]bool, len(kinds))
	for _, kind := range kinds {
		if field := kind.ExternalField(); field != "" {
			flags[field] = true
		}
	}
	return flags
}

// LegacyOutputFlags folds kinds into the coarse include_* form flags.
func LegacyOutputFlags(kinds []OutputKind) map[string]bool {
	flags := make(map[string]bool, len(LegacyFlags))
	for _, kind := range kinds {
		if flag := kind.LegacyFlag(); flag != "" {
			flags[flag] = true
		}
	}
	return flags
}

const DefaultLanguage = "fa"

var supportedLanguages = []string{"fa", "en", "ar", "tr", "fr"}

func SupportedLanguages() []string {
	return append([]string(nil), supportedLanguages...)
}

func IsSupportedLanguage(tag string) bool {
	for _, language := range supportedLanguages {
		if language == tag {
			return true
		}
	}
	return false
}
