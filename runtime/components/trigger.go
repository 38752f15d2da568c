package components

import (
	"context"

	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/triggers"
	"pipelit.dev/pipelit/runtime/workflow"
)

// telegramTriggerSchema validates the telegram match rules. All fields are
// optional; a bare trigger accepts every message relayed to the bot.
var telegramTriggerSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"allowed_user_ids": {"type": "array", "items": {"type": ["number", "string"]}},
		"command": {"type": "string"},
		"pattern": {"type": "string"},
		"bot_token_ref": {"type": "string"}
	}
}`)

// scheduleTriggerSchema pins the trigger to one scheduled job.
var scheduleTriggerSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"scheduled_job_id": {"type": "string"}
	},
	"required": ["scheduled_job_id"]
}`)

// triggerDefinitions declares the six trigger types. Triggers run like any
// other node: their runnable publishes the firing payload as the node's
// outputs so downstream templates can address {{ nodes.<trigger>.* }} as well
// as {{ trigger.* }}. Message-bearing triggers additionally seed the
// conversation transcript.
func triggerDefinitions() []workflow.Definition {
	out := []workflow.Port{{Name: "output", Type: workflow.PortAny}}
	return []workflow.Definition{
		{
			Type: triggers.TypeTelegram, Label: "Telegram Trigger", Category: "triggers",
			Trigger: true, TriggerKind: string(triggers.KindTelegramMessage),
			Executable: true, Outputs: out,
			ConfigSchema: telegramTriggerSchema,
			Build:        buildTrigger(true),
		},
		{
			Type: triggers.TypeSchedule, Label: "Schedule Trigger", Category: "triggers",
			Trigger: true, TriggerKind: string(triggers.KindSchedule),
			Executable: true, Outputs: out,
			ConfigSchema: scheduleTriggerSchema,
			Build:        buildTrigger(false),
		},
		{
			Type: triggers.TypeManual, Label: "Manual Trigger", Category: "triggers",
			Trigger: true, TriggerKind: string(triggers.KindManual),
			Executable: true, Outputs: out,
			Build: buildTrigger(false),
		},
		{
			Type: triggers.TypeWorkflow, Label: "Workflow Trigger", Category: "triggers",
			Trigger: true, TriggerKind: string(triggers.KindWorkflow),
			Executable: true, Outputs: out,
			Build: buildTrigger(false),
		},
		{
			Type: triggers.TypeError, Label: "Error Trigger", Category: "triggers",
			Trigger: true, TriggerKind: string(triggers.KindError),
			Executable: true, Outputs: out,
			Build: buildTrigger(false),
		},
		{
			Type: triggers.TypeChat, Label: "Chat Trigger", Category: "triggers",
			Trigger: true, TriggerKind: string(triggers.KindChat),
			Executable: true, Outputs: out,
			Build: buildTrigger(true),
		},
	}
}

// buildTrigger returns the builder for a trigger type. seedTranscript marks
// kinds that carry a user utterance worth recording as the first message.
func buildTrigger(seedTranscript bool) workflow.BuildFunc {
	return func(workflow.Node, workflow.Capabilities) (node.Runnable, error) {
		return node.RunnableFunc(func(_ context.Context, in node.Input) (node.Result, error) {
			raw, _ := in.State.Get("trigger")
			payload, _ := raw.(map[string]any)
			if payload == nil {
				payload = map[string]any{}
			}
			res := node.Outputs(payload)
			if seedTranscript {
				if text, _ := payload["text"].(string); text != "" {
					res.Messages = []node.Message{{Role: "user", Content: text}}
				}
			}
			return res, nil
		}), nil
	}
}
