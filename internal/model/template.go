package model

import (
	"fmt"
	"strings"
)

// ParseTemplate parses the `name(Type|Type,Type,…)` schema declaration
// syntax, strictly all-consuming.
func ParseTemplate(s string) (TemplateEntity, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return TemplateEntity{}, fmt.Errorf("invalid template: %q", s)
	}
	name := s[:open]
	if !isTemplateName(name) {
		return TemplateEntity{}, fmt.Errorf("invalid template name: %q", name)
	}
	body := s[open+1 : len(s)-1]
	if body == "" {
		return TemplateEntity{}, fmt.Errorf("template has no slots: %q", s)
	}
	var slots [][]EntityType
	for _, slotSrc := range strings.Split(body, ",") {
		tags := strings.Split(slotSrc, "|")
		slot := make([]EntityType, 0, len(tags))
		for _, tag := range tags {
			et, ok := ParseEntityType(tag)
			if !ok {
				return TemplateEntity{}, fmt.Errorf("invalid entity type tag: %q", tag)
			}
			slot = append(slot, et)
		}
		slots = append(slots, slot)
	}
	return TemplateEntity{Name: name, Slots: slots}, nil
}

// isTemplateName enforces the topic-name charset `[A-Za-z][A-Za-z_]*` that
// a template's name must also satisfy, since it doubles as a gossip topic.
func isTemplateName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if i == 0 && !isAlpha {
			return false
		}
		if i > 0 && !isAlpha && c != '_' {
			return false
		}
	}
	return true
}
