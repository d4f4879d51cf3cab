// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package summary

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
)

// remoteSummarySchema is the JSON schema the remote model is constrained
// to produce, matching the Summary struct's declared shape.
var remoteSummarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary": map[string]any{"type": "string"},
		"keyPoints": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"actionItems": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"attendanceRisk": map[string]any{
			"type": "string",
			"enum": []string{"low", "medium", "high", "unknown"},
		},
	},
	"required":             []string{"summary", "keyPoints", "actionItems", "attendanceRisk"},
	"additionalProperties": false,
}

// openaiCaller adapts an openai-go client to remoteCaller.
type openaiCaller struct {
	client openai.Client
}

func (o *openaiCaller) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You summarize parent-contact phone calls for a school attendance team. Respond only with the requested JSON object."),
			openai.UserMessage("Summarize this call transcript, list key points, suggest action items, and assess attendance risk:\n\n" + prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "call_summary",
					Schema: remoteSummarySchema,
					Strict: openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summary: remote response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type remotePayload struct {
	Summary        string   `json:"summary"`
	KeyPoints      []string `json:"keyPoints"`
	ActionItems    []string `json:"actionItems"`
	AttendanceRisk Risk     `json:"attendanceRisk"`
}

func parseRemotePayload(raw string) (Summary, error) {
	var payload remotePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Summary{}, err
	}
	if payload.Summary == "" {
		return Summary{}, errors.New("summary: remote payload missing summary text")
	}

	switch payload.AttendanceRisk {
	case RiskLow, RiskMedium, RiskHigh, RiskUnknown:
	default:
		return Summary{}, errors.New("summary: remote payload has invalid attendanceRisk")
	}

	return Summary{
		Summary:        payload.Summary,
		KeyPoints:      payload.KeyPoints,
		ActionItems:    payload.ActionItems,
		AttendanceRisk: payload.AttendanceRisk,
	}, nil
}
