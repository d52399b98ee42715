package prompts

import (
	"encoding/json"

	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/util"
)

// Conversation builds the chat a logged input amounts to once its system
// prompt is replaced by prompt. A message list becomes the chat itself;
// anything else becomes prompt followed by the rewritten input as the user
// turn. The rewritten input is returned for storage.
func Conversation(raw []byte, s *Structure, prompt string) ([]llm.Message, []byte) {
	rewritten := raw
	if s != nil {
		if out, err := ReplaceJSON(raw, *s, prompt); err == nil {
			rewritten = out
		}
	}

	if s != nil && s.Kind == KindMessages {
		if input, err := decode(rewritten); err == nil {
			if node, ok := walk(input, s.Path); ok {
				if msgs := chat(node); len(msgs) > 0 {
					return msgs, rewritten
				}
			}
		}
	}

	user := util.Payload(rewritten)
	if s != nil && s.Kind == KindField {
		if input, err := decode(rewritten); err == nil {
			if obj, ok := input.(map[string]any); ok && len(s.Path) == 1 {
				delete(obj, s.Path[0])
				if b, err := json.Marshal(obj); err == nil {
					user = util.Payload(b)
				}
			}
		}
	}
	return []llm.Message{llm.System(prompt), llm.User(user)}, rewritten
}

func chat(node any) []llm.Message {
	list, ok := node.([]any)
	if !ok {
		return nil
	}
	out := make([]llm.Message, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		text, ok := contentText(m["content"])
		if role == "" || !ok {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: text})
	}
	return out
}
