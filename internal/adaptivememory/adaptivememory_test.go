package adaptivememory

import (
	"context"
	"strings"
	"testing"

	"github.com/voxnexus/core/internal/domain"
)

type fakeLessonSource struct {
	lessons []domain.AgentLesson
}

func (f *fakeLessonSource) ApprovedLessons(ctx context.Context, agentConfigID string, limit int) ([]domain.AgentLesson, error) {
	if len(f.lessons) > limit {
		return f.lessons[:limit], nil
	}
	return f.lessons, nil
}

func TestBuildSystemPromptNoLessonsUnchanged(t *testing.T) {
	out, err := BuildSystemPrompt(context.Background(), &fakeLessonSource{}, "agent-1", "base prompt")
	if err != nil {
		t.Fatalf("BuildSystemPrompt: %v", err)
	}
	if out != "base prompt" {
		t.Fatalf("expected unchanged base prompt, got %q", out)
	}
}

func TestBuildSystemPromptAppendsHeaderAndLessons(t *testing.T) {
	src := &fakeLessonSource{lessons: []domain.AgentLesson{
		{ImprovedInstruction: "always confirm the account number"},
		{ImprovedInstruction: "never promise a refund timeline"},
	}}
	out, err := BuildSystemPrompt(context.Background(), src, "agent-1", "base prompt")
	if err != nil {
		t.Fatalf("BuildSystemPrompt: %v", err)
	}
	if !strings.HasPrefix(out, "base prompt") {
		t.Fatalf("expected base prompt to be preserved as prefix, got %q", out)
	}
	if !strings.Contains(out, "ADAPTIVE MEMORY") {
		t.Fatalf("expected ADAPTIVE MEMORY header, got %q", out)
	}
	if !strings.Contains(out, "always confirm the account number") {
		t.Fatalf("expected lesson text included, got %q", out)
	}
}
