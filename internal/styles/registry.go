// Package styles holds the style configuration registry: a static mapping
// from style identifier to generation parameters and prompt text variants
// per subject type.
//
// The registry is immutable and process-wide; it is built once at startup
// and only read afterwards. Unknown identifiers resolve to a deterministic
// default preset so the generation pipeline degrades gracefully instead of
// blocking on a missing style.
package styles

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Style is one visual transformation preset.
//
// GuidanceScale and Steps tune the diffusion run. LoraWeightsURL, when set,
// points at fine-tuned weights trained exclusively on animal imagery; the
// submitter applies them only to pet subjects.
type Style struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"display_name"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Steps          int     `json:"steps"`
	LoraWeightsURL string  `json:"-"`
	HumanPrompt    string  `json:"-"`
	PetPrompt      string  `json:"-"`
	Active         bool    `json:"-"`
}

// HasLora reports whether the style ships fine-tuned weights.
func (s Style) HasLora() bool { return s.LoraWeightsURL != "" }

// PromptFor returns the prompt text variant for the given subject type.
// Pet prompts fall back to the human variant when a style has no pet text.
func (s Style) PromptFor(subject string) string {
	if subject == "pet" && s.PetPrompt != "" {
		return s.PetPrompt
	}
	return s.HumanPrompt
}

// Registry is an immutable lookup table of styles. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	byID map[string]Style
	def  Style
}

// defaultPreset is returned for unknown identifiers. Conservative parameters
// and a neutral prompt keep the pipeline functional for any style id.
var defaultPreset = Style{
	ID:            "classic-portrait",
	GuidanceScale: 3.5,
	Steps:         28,
	HumanPrompt:   "a refined classical oil portrait of the person, warm gallery lighting, visible brushwork, preserved facial identity",
	PetPrompt:     "a refined classical oil portrait of the pet, warm gallery lighting, visible brushwork, faithful fur texture and markings",
	Active:        true,
}

// presets is the built-in style catalog. Prompt copy is product content and
// intentionally short here; the marketing variants live with the frontend.
var presets = []Style{
	{
		ID:             "warli-art",
		GuidanceScale:  4.0,
		Steps:          30,
		LoraWeightsURL: "https://weights.mirasi.art/lora/warli-animals-v2.safetensors",
		HumanPrompt:    "the person rendered in traditional Warli tribal art, white geometric figures on earthen ochre, rhythmic ritual patterns, preserved facial identity",
		PetPrompt:      "the pet rendered in traditional Warli tribal art, white stick-figure animals on earthen ochre, rhythmic ritual patterns around the subject",
		Active:         true,
	},
	{
		ID:             "madhubani",
		GuidanceScale:  4.5,
		Steps:          32,
		LoraWeightsURL: "https://weights.mirasi.art/lora/madhubani-animals-v1.safetensors",
		HumanPrompt:    "the person as a Madhubani painting, intricate line work, natural dye palette, fish and peacock motifs framing the face, preserved identity",
		PetPrompt:      "the pet as a Madhubani painting, intricate double-line borders, natural dye palette, flora and fauna motifs surrounding the animal",
		Active:         true,
	},
	{
		ID:            "pattachitra",
		GuidanceScale: 4.0,
		Steps:         30,
		HumanPrompt:   "the person in Odisha Pattachitra style, bold black outlines, mythic canvas texture, ornate floral border, preserved facial identity",
		PetPrompt:     "the pet in Odisha Pattachitra style, bold black outlines, mythic canvas texture, ornate floral border",
		Active:        true,
	},
	{
		ID:            "kerala-mural",
		GuidanceScale: 3.5,
		Steps:         28,
		HumanPrompt:   "the person as a Kerala temple mural, panchavarna palette, elongated expressive eyes, golden ornamentation, preserved facial identity",
		PetPrompt:     "the pet as a Kerala temple mural, panchavarna palette, flowing linework, golden ornamentation",
		Active:        true,
	},
	{
		ID:             "gond",
		GuidanceScale:  4.5,
		Steps:          32,
		LoraWeightsURL: "https://weights.mirasi.art/lora/gond-animals-v1.safetensors",
		HumanPrompt:    "the person in Gond art style, dense dot-and-dash infill, vivid folk palette, tree-of-life motifs, preserved facial identity",
		PetPrompt:      "the pet in Gond art style, dense dot-and-dash infill, vivid folk palette, the animal as a living spirit of the forest",
		Active:         true,
	},
	{
		ID:            "tanjore",
		GuidanceScale: 3.5,
		Steps:         30,
		HumanPrompt:   "the person as a Tanjore painting, rich gold leaf relief, gem-studded arch, deep crimson and emerald tones, preserved facial identity",
		PetPrompt:     "the pet as a Tanjore painting, rich gold leaf relief, gem-studded arch, deep crimson and emerald tones",
		Active:        true,
	},
	// retired preset kept for historical generations; not offered for new uploads
	{
		ID:            "miniature",
		GuidanceScale: 4.0,
		Steps:         28,
		HumanPrompt:   "the person in Mughal miniature style, fine brush detail, ornamental margins, preserved facial identity",
		PetPrompt:     "the pet in Mughal miniature style, fine brush detail, ornamental margins",
		Active:        false,
	},
}

// NewRegistry builds the process-wide registry from the built-in presets.
// Display names missing from a preset are derived from the slug.
func NewRegistry() *Registry {
	byID := make(map[string]Style, len(presets))
	for _, s := range presets {
		if s.DisplayName == "" {
			s.DisplayName = displayName(s.ID)
		}
		byID[s.ID] = s
	}
	def := defaultPreset
	if def.DisplayName == "" {
		def.DisplayName = displayName(def.ID)
	}
	return &Registry{byID: byID, def: def}
}

// Lookup returns the configuration for id, or the default preset when the
// id is unknown. It never fails; callers that must distinguish unknown ids
// use Exists.
func (r *Registry) Lookup(id string) Style {
	if s, ok := r.byID[id]; ok {
		return s
	}
	return r.def
}

// Exists reports whether id names a known, active style.
func (r *Registry) Exists(id string) bool {
	s, ok := r.byID[id]
	return ok && s.Active
}

// List returns the active styles sorted by id, for the public catalog.
func (r *Registry) List() []Style {
	out := make([]Style, 0, len(r.byID))
	for _, s := range r.byID {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// displayName turns a slug like "warli-art" into "Warli Art".
func displayName(slug string) string {
	parts := strings.Split(slug, "-")
	c := cases.Title(language.English)
	for i, p := range parts {
		parts[i] = c.String(p)
	}
	return strings.Join(parts, " ")
}
