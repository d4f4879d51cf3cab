// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package bridge

import (
	"strings"

	"github.com/rapidaai/callassistant/internal/session"
)

// defaultInstructionsTemplate mirrors the call-brief prompt construction
// in kidandcat-minerva's generateSummary/MakeCall (custom
// prompt assembled from static call metadata fields), adapted to the
// realtime session.update "instructions" field. Placeholders are
// substituted verbatim; any placeholder with no known substitution value
// is left as a safe, descriptive fallback rather than an empty string.
const defaultInstructionsTemplate = `You are a warm, patient phone assistant calling on behalf of {{school_name}}.
You are speaking with {{parent_relationship}} {{parent_name}}, the {{parent_relationship}} of {{student_name}}.
Your role: {{teacher_role}}.

Context for this call:
{{context_from_chat}}

Reason for calling:
{{reason_summary}}

Recent absence information:
{{absence_stats}}

Keep your tone calm and conversational. Let {{parent_number_label}} speak without interruption;
if you hear them start talking while you are mid-sentence, stop immediately and listen.`

// renderInstructions fills defaultInstructionsTemplate (or an
// operator-supplied template) with the call's static config fields and
// its CallBrief. Missing brief fields degrade to a short neutral phrase
// rather than leaving a raw placeholder in the live prompt.
func renderInstructions(template string, fields PromptFields, brief session.CallBrief) string {
	if template == "" {
		template = defaultInstructionsTemplate
	}

	replacer := strings.NewReplacer(
		"{{school_name}}", orDefault(fields.SchoolName, "the school"),
		"{{parent_name}}", orDefault(fields.ParentName, "there"),
		"{{parent_relationship}}", orDefault(fields.ParentRelationship, "parent/guardian"),
		"{{parent_number_label}}", orDefault(fields.ParentNumberLabel, "them"),
		"{{student_name}}", orDefault(fields.StudentName, "the student"),
		"{{teacher_role}}", orDefault(fields.TeacherRole, "a school staff member following up on a student matter"),
		"{{context_from_chat}}", orDefault(brief.ContextFromChat, "No prior context was provided for this call."),
		"{{reason_summary}}", orDefault(brief.ReasonSummary, "A general check-in call."),
		"{{absence_stats}}", orDefault(brief.AbsenceStats, "No absence data was provided."),
	)
	return replacer.Replace(template)
}

// PromptFields are the static, per-deployment call identity fields that
// personalize the instructions template; these come from AppConfig's Call*
// settings rather than from any single call's CallBrief.
type PromptFields struct {
	StudentName        string
	ParentName         string
	ParentRelationship string
	ParentNumberLabel  string
	SchoolName         string
	TeacherRole        string
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
