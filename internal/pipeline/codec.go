package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/chatserver/internal/model"
)

// encodeEnvelope / decodeEnvelope — JSON-кодек очереди. Формат разделяется
// всеми инстансами сервера, поэтому поля конверта менять только аддитивно.

func encodeEnvelope(env *model.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode envelope: %w", err)
	}
	return payload, nil
}

func decodeEnvelope(payload []byte) (*model.Envelope, error) {
	env := &model.Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("pipeline: decode envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("pipeline: envelope without kind")
	}
	return env, nil
}
