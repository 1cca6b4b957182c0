// Package services – pipeline selection
//
// Two generation pipelines exist: the identity-preserving default and a
// fine-tuned (LoRA) pipeline available for styles that ship trained weights.
// Which pipeline handles a generation is a pure function of the subject type
// and the style; it is recomputed wherever needed instead of being persisted,
// so there is no redundant column that could drift from the inputs.
package services

import (
	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
)

// Pipeline identifies which generation backend handles a job.
type Pipeline int

const (
	// PipelineIdentity is the identity-preserving default pipeline.
	PipelineIdentity Pipeline = iota
	// PipelineLora is the fine-tuned pipeline, applied only to pet subjects
	// of styles that define weights.
	PipelineLora
)

// PipelineFor derives the pipeline for a subject/style combination.
//
// Human subjects always use the identity-preserving pipeline: the fine-tuned
// weights were trained only on animal imagery and degrade human identity
// preservation. This rule must never be inverted.
func PipelineFor(subject domain.SubjectType, style styles.Style) Pipeline {
	if subject == domain.SubjectPet && style.HasLora() {
		return PipelineLora
	}
	return PipelineIdentity
}
