package agent

import (
	"fmt"
	"strings"
)

// FormatRecommendation renders a recommendation for chat or log output.
func FormatRecommendation(r Recommendation) string {
	title := firstNonEmpty(r.Title, "Recommendation")
	priority := firstNonEmpty(r.Priority, "normal")
	impact := firstNonEmpty(r.Impact, "unknown")
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s)\n%s\nImpact: %s", title, strings.ToUpper(priority), r.Description, impact)
	for _, a := range r.Actions {
		b.WriteString("\n- ")
		b.WriteString(a)
	}
	return b.String()
}

// FormatAction renders an action for chat or log output.
func FormatAction(a Action) string {
	title := firstNonEmpty(a.Title, "Action")
	resource := firstNonEmpty(a.Resource, "unknown")
	change := "unknown"
	if a.Change != nil {
		change = fmt.Sprint(a.Change)
	}
	return fmt.Sprintf("**%s**\n%s\nResource: %s\nChange: %s", title, a.Description, resource, change)
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
