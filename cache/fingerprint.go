package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// keyVersion is folded into every fingerprint so the key scheme can change
// without colliding with entries written under an older scheme.
const keyVersion = 1

type fingerprintInput struct {
	Version int            `json:"v"`
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Params  map[string]any `json:"params"`
}

// Fingerprint derives the cache key for a logical AI request.
//
// The prompt is trimmed and runs of whitespace collapse to a single space; the
// model name is trimmed and lower-cased. params are serialised as canonical
// JSON (object keys sorted at every depth), so the key does not depend on map
// iteration or insertion order. A nil params map and an empty one are
// equivalent. The result is a hex SHA-256 digest.
func Fingerprint(prompt, model string, params map[string]any) (string, error) {
	prompt = normalizePrompt(prompt)
	model = strings.ToLower(strings.TrimSpace(model))
	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrInvalidKey)
	}
	if model == "" {
		return "", fmt.Errorf("%w: empty model", ErrInvalidKey)
	}
	if params == nil {
		params = map[string]any{}
	}

	// encoding/json sorts map keys, which gives the canonical form.
	raw, err := json.Marshal(fingerprintInput{
		Version: keyVersion,
		Model:   model,
		Prompt:  prompt,
		Params:  params,
	})
	if err != nil {
		return "", fmt.Errorf("%w: params: %v", ErrInvalidKey, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// PromptHash is the SHA-256 of the raw prompt bytes. It is kept next to the
// fingerprint for audits and does not change when the key scheme does.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func normalizePrompt(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
