package main

import (
	"strings"
	"testing"
)

func TestPromptVersions(t *testing.T) {
	versions := PromptVersions()
	if len(versions) < 3 {
		t.Fatalf("expected at least 3 versions, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i-1] >= versions[i] {
			t.Errorf("versions not sorted: %v", versions)
		}
	}
}

func TestRenderPromptsV1(t *testing.T) {
	prompts, err := RenderPrompts("v1", "고양이")
	if err != nil {
		t.Fatalf("RenderPrompts failed: %v", err)
	}
	if len(prompts) != 1 || prompts[0] != "고양이" {
		t.Errorf("v1 should be the bare label, got %v", prompts)
	}
}

func TestRenderPromptsV2(t *testing.T) {
	prompts, err := RenderPrompts("v2", "고양이")
	if err != nil {
		t.Fatalf("RenderPrompts failed: %v", err)
	}
	if len(prompts) != 1 || prompts[0] != "고양이의 사진" {
		t.Errorf("unexpected v2 prompt: %v", prompts)
	}
}

func TestRenderPromptsV3Ensemble(t *testing.T) {
	prompts, err := RenderPrompts("v3", "강아지")
	if err != nil {
		t.Fatalf("RenderPrompts failed: %v", err)
	}
	if len(prompts) < 3 {
		t.Fatalf("v3 should be an ensemble, got %d prompts", len(prompts))
	}
	for _, p := range prompts {
		if !strings.Contains(p, "강아지") {
			t.Errorf("prompt %q does not contain the label", p)
		}
	}
}

func TestRenderPromptsUnknownVersion(t *testing.T) {
	if _, err := RenderPrompts("v99", "고양이"); err == nil {
		t.Error("expected error for unknown version")
	}
}
