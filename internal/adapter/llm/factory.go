package llm

import (
	"time"

	"github.com/rs/zerolog/log"
)

// NewLLMClient returns a MockClient when mock is set, otherwise a real Client.
func NewLLMClient(mock bool, baseURL, apiKey string, timeout time.Duration) LLMClient {
	if mock {
		log.Info().Msg("mock backend selected, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
