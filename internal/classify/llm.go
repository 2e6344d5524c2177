package classify

import (
	"context"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cockroachdb/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"tasksift/internal/credentials"
)

const deepseekBaseURL = "https://api.deepseek.com"

var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5-20250929",
	"openai":    "gpt-4o",
	"deepseek":  "deepseek-chat",
	"gemini":    "gemini-2.0-flash",
	"ollama":    "llama3.1",
	"bedrock":   "anthropic.claude-3-5-sonnet-20240620-v1:0",
}

// BackendOptions selects model details; the provider comes from the credential.
type BackendOptions struct {
	Model     string
	BaseURL   string
	MaxTokens int
	AWSRegion string
	Logger    *slog.Logger
}

// LLM is a Completer over a langchaingo model.
type LLM struct {
	model      llms.Model
	provider   string
	modelName  string
	maxTokens  int
	foldSystem bool
	logger     *slog.Logger
}

// NewCompleter builds the backend named by cred.Provider.
func NewCompleter(ctx context.Context, cred credentials.Classifier, opts BackendOptions) (*LLM, error) {
	provider := credentials.NormalizeProvider(cred.Provider)
	name := opts.Model
	if name == "" {
		name = defaultModels[provider]
	}
	if credentials.RequiresKey(provider) && cred.APIKey.Empty() {
		return nil, errors.Newf("%s API key required", provider)
	}
	key := cred.APIKey.Reveal()

	var (
		model llms.Model
		err   error
		fold  bool
	)
	switch provider {
	case "anthropic":
		o := []anthropic.Option{anthropic.WithToken(key), anthropic.WithModel(name)}
		if opts.BaseURL != "" {
			o = append(o, anthropic.WithBaseURL(opts.BaseURL))
		}
		model, err = anthropic.New(o...)
	case "openai", "deepseek":
		base := opts.BaseURL
		if base == "" && provider == "deepseek" {
			base = deepseekBaseURL
		}
		o := []openai.Option{openai.WithToken(key), openai.WithModel(name)}
		if base != "" {
			o = append(o, openai.WithBaseURL(base))
		}
		model, err = openai.New(o...)
	case "gemini":
		model, err = googleai.New(ctx, googleai.WithAPIKey(key), googleai.WithDefaultModel(name))
		fold = true
	case "ollama":
		o := []ollama.Option{ollama.WithModel(name)}
		if opts.BaseURL != "" {
			o = append(o, ollama.WithServerURL(opts.BaseURL))
		}
		model, err = ollama.New(o...)
	case "bedrock":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.AWSRegion))
		}
		awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if cfgErr != nil {
			return nil, errors.Wrap(cfgErr, "load aws config")
		}
		model, err = bedrock.New(bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)), bedrock.WithModel(name))
	default:
		return nil, errors.Newf("unsupported classifier provider: %s", cred.Provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create %s model", provider)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		model:      model,
		provider:   provider,
		modelName:  name,
		maxTokens:  opts.MaxTokens,
		foldSystem: fold,
		logger:     logger,
	}, nil
}

// Complete sends one system instruction and one user prompt.
func (l *LLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	var messages []llms.MessageContent
	if l.foldSystem {
		messages = []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, system+"\n\n"+prompt)}
	} else {
		messages = []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		}
	}
	var callOpts []llms.CallOption
	if l.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(l.maxTokens))
	}

	start := time.Now()
	resp, err := l.model.GenerateContent(ctx, messages, callOpts...)
	duration := time.Since(start)
	if err != nil {
		l.logger.Warn("completion failed", "provider", l.provider, "model", l.modelName, "duration_ms", duration.Milliseconds(), "error", err)
		return "", errors.Wrap(err, "generate content")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response choices")
	}
	l.logger.Debug("completion", "provider", l.provider, "model", l.modelName, "prompt_len", len(prompt), "duration_ms", duration.Milliseconds())
	return resp.Choices[0].Content, nil
}

func (l *LLM) Provider() string { return l.provider }

func (l *LLM) Model() string { return l.modelName }
