// Package adaptivememory appends approved behavioral lessons to an
// agent's system prompt: up to 10 APPROVED agent_lessons rows, newest
// first, under an "ADAPTIVE MEMORY" header.
package adaptivememory

import (
	"context"
	"strings"

	"github.com/voxnexus/core/internal/domain"
)

const maxLessons = 10

// LessonSource is the subset of the store package's capability this
// package needs.
type LessonSource interface {
	ApprovedLessons(ctx context.Context, agentConfigID string, limit int) ([]domain.AgentLesson, error)
}

// BuildSystemPrompt appends the agent's approved lessons to basePrompt. If
// there are no approved lessons, basePrompt is returned unchanged.
func BuildSystemPrompt(ctx context.Context, source LessonSource, agentConfigID, basePrompt string) (string, error) {
	lessons, err := source.ApprovedLessons(ctx, agentConfigID, maxLessons)
	if err != nil {
		return "", err
	}
	if len(lessons) == 0 {
		return basePrompt, nil
	}

	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nADAPTIVE MEMORY\n")
	for _, l := range lessons {
		b.WriteString("- ")
		b.WriteString(l.ImprovedInstruction)
		b.WriteString("\n")
	}
	return b.String(), nil
}
