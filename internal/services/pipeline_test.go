package services

import (
	"testing"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
)

func TestPipelineFor(t *testing.T) {
	lora := styles.Style{ID: "with-weights", LoraWeightsURL: "https://weights.example/x.safetensors"}
	plain := styles.Style{ID: "no-weights"}

	cases := []struct {
		name    string
		subject domain.SubjectType
		style   styles.Style
		want    Pipeline
	}{
		{"human with lora style stays identity", domain.SubjectHuman, lora, PipelineIdentity},
		{"human with plain style", domain.SubjectHuman, plain, PipelineIdentity},
		{"pet with lora style", domain.SubjectPet, lora, PipelineLora},
		{"pet with plain style falls back", domain.SubjectPet, plain, PipelineIdentity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PipelineFor(tc.subject, tc.style); got != tc.want {
				t.Fatalf("PipelineFor(%q, %q) = %v; want %v", tc.subject, tc.style.ID, got, tc.want)
			}
		})
	}
}

func TestPipelineLabel(t *testing.T) {
	if pipelineLabel(PipelineIdentity) != "identity" || pipelineLabel(PipelineLora) != "lora" {
		t.Fatalf("unexpected pipeline labels")
	}
}
