package channel

import (
	"fmt"
	"strings"

	"LeadNurture/internal/domain"
)

var subjects = map[domain.SequenceType]string{
	domain.SequenceHotLeads: "Your consultation request",
	domain.SequenceN400:     "Your citizenship application",
	domain.SequenceNurture:  "News from our office",
}

// Subject is the default subject line for a touchpoint.
func Subject(tp domain.Touchpoint) string {
	if s, ok := subjects[tp.Type]; ok {
		return s
	}
	return "Following up"
}

// Body renders the fallback plain-text message used when no composer is configured.
func Body(tp domain.Touchpoint) string {
	name := strings.TrimSpace(tp.Lead.Name)
	if name == "" {
		name = "there"
	}
	switch tp.Type {
	case domain.SequenceHotLeads:
		return fmt.Sprintf("Hi %s, thanks for reaching out. We still have openings for a consultation this week. Reply to this message and we will set up a time.", name)
	case domain.SequenceN400:
		return fmt.Sprintf("Hi %s, checking in on your naturalization plans. We can review your N-400 and prepare you for the interview. Want to schedule a call?", name)
	default:
		return fmt.Sprintf("Hi %s, here is a quick update from our office (message %d). Let us know if anything has changed with your case.", name, tp.Stage)
	}
}
