package main

// Prompt templates for zero-shot classification. Templates are
// versioned so a reported accuracy can always name the prompt set that
// produced it. v1 is the bare label, v2 the single "a photo of"
// phrasing in Korean, v3 a small ensemble in the style of the CLIP
// paper's prompt engineering.

import (
	"fmt"
	"sort"
	"strings"
)

// promptTemplates maps a version name to its templates. Each template
// contains exactly one %s, replaced by the class label.
var promptTemplates = map[string][]string{
	"v1": {
		"%s",
	},
	"v2": {
		"%s의 사진",
	},
	"v3": {
		"%s의 사진",
		"%s 이미지",
		"%s가 있는 사진",
		"흐릿한 %s의 사진",
		"%s의 클로즈업 사진",
	},
}

// PromptVersions lists available template versions, sorted.
func PromptVersions() []string {
	names := make([]string, 0, len(promptTemplates))
	for name := range promptTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenderPrompts expands every template in the given version with the
// label.
func RenderPrompts(version, label string) ([]string, error) {
	templates, ok := promptTemplates[version]
	if !ok {
		return nil, fmt.Errorf("unknown prompt version %q (have %s)",
			version, strings.Join(PromptVersions(), ", "))
	}
	prompts := make([]string, len(templates))
	for i, tmpl := range templates {
		prompts[i] = fmt.Sprintf(tmpl, label)
	}
	return prompts, nil
}
