package webhook

import (
	"strings"

	"github.com/autodev-ai/autodev/models"
)

const basePriority = 5

// eventPriority derives a task priority from the event type and labels.
// Failed pipelines and urgency labels move tasks ahead of routine work.
func eventPriority(ev *Event) int {
	p := basePriority
	if ev.Type == "pipeline" && ev.Action == "failed" {
		p += 3
	}
	if ev.Type == "merge_request" && ev.Action == "open" {
		p++
	}
	p += labelBoost(ev.Labels)

	if p < models.MinPriority {
		p = models.MinPriority
	}
	if p > models.MaxPriority {
		p = models.MaxPriority
	}
	return p
}

func labelBoost(labels []string) int {
	boost := 0
	for _, l := range labels {
		switch strings.ToLower(l) {
		case "critical", "urgent", "p0", "priority::critical":
			boost += 3
		case "high", "p1":
			boost += 2
		case "low", "p3":
			boost--
		}
	}
	return boost
}
