package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const jsonOnlyInstruction = "You are a security incident analyst. Respond with a single JSON object and nothing else."

type converseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockConfig selects the model served through the Bedrock Converse API.
type BedrockConfig struct {
	Region    string
	ModelID   string
	MaxTokens int32
}

// BedrockReasoner calls an AWS Bedrock model. The AWS client is resolved
// lazily from the default credential chain.
type BedrockReasoner struct {
	mu     sync.Mutex
	client converseClient
	cfg    BedrockConfig
}

func NewBedrockReasoner(cfg BedrockConfig) *BedrockReasoner {
	return newBedrockReasoner(cfg, nil)
}

func newBedrockReasoner(cfg BedrockConfig, client converseClient) *BedrockReasoner {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &BedrockReasoner{client: client, cfg: cfg}
}

func (b *BedrockReasoner) Infer(ctx context.Context, prompt string) (string, error) {
	client, err := b.resolveClient(ctx)
	if err != nil {
		return "", NewError(ClassUnavailable, err)
	}

	out, err := client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.cfg.ModelID),
		System:  []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: jsonOnlyInstruction}},
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(b.cfg.MaxTokens)},
	})
	if err != nil {
		return "", normalizeBedrockError(err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", Errorf(ClassInternal, "bedrock returned no message")
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String(), nil
}

func normalizeBedrockError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return NewError(ClassCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ClassDeadlineExceeded, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return NewError(ClassRateLimited, err)
		case "ServiceUnavailableException":
			return NewError(ClassUnavailable, err)
		case "ModelTimeoutException":
			return NewError(ClassDeadlineExceeded, err)
		case "ValidationException", "AccessDeniedException", "ResourceNotFoundException", "ModelErrorException":
			return NewError(ClassInvalidRequest, err)
		default:
			return NewError(ClassInternal, err)
		}
	}
	return NewError(Classify(err), err)
}

func (b *BedrockReasoner) resolveClient(ctx context.Context) (converseClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	b.client = bedrockruntime.NewFromConfig(awsCfg)
	return b.client, nil
}
