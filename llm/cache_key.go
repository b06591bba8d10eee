package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ResponseKeyPrefix LLM 响应缓存键前缀
const ResponseKeyPrefix = "llm:response"

// CacheKey 计算请求的内容寻址缓存键：
// sha256(按键排序的 JSON {model_id, messages, parameters})。
// map 在 encoding/json 中按键排序输出，因此同一请求的序列化结果稳定。
func CacheKey(req *Request) (string, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		var name any
		if m.Name != "" {
			name = m.Name
		}
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
			"name":    name,
		})
	}

	payload := map[string]any{
		"model_id": req.Model,
		"messages": messages,
		"parameters": map[string]any{
			"temperature":       req.Temperature,
			"max_tokens":        req.MaxTokens,
			"top_p":             req.TopP,
			"frequency_penalty": req.FrequencyPenalty,
			"presence_penalty":  req.PresencePenalty,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal cache key payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return ResponseKeyPrefix + ":" + hex.EncodeToString(sum[:]), nil
}
