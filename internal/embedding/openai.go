package embedding

// NewOpenAIProvider builds a Provider targeting the hosted OpenAI
// embeddings API. It is a thin convenience wrapper over NewProvider: the
// wire format is identical to the local-server case, only the base URL,
// required API key, and a tighter default rate limit differ.
func NewOpenAIProvider(apiKey, model string) *Provider {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return NewProvider(Config{
		BaseURL:           "https://api.openai.com/v1",
		Model:             model,
		APIKey:            apiKey,
		RequestsPerSecond: 10,
		Burst:             5,
	})
}
