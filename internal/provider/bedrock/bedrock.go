// Package bedrock serves inference for custom models hosted on Amazon Bedrock.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

// ModelPrefix marks tuned-model ids this backend can serve.
const ModelPrefix = "arn:aws:bedrock:"

const defaultMaxTokens = 1024

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type Client struct {
	api       ConverseAPI
	maxTokens int32
}

func New(cfg aws.Config) *Client {
	return NewWithAPI(bedrockruntime.NewFromConfig(cfg))
}

func NewWithAPI(api ConverseAPI) *Client {
	return &Client{api: api, maxTokens: defaultMaxTokens}
}

func (c *Client) ID() string {
	return "bedrock"
}

func (c *Client) Generate(ctx context.Context, tunedModelID, input string) (string, error) {
	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(tunedModelID),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: input}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(c.maxTokens),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", toProviderError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", domain.NewProviderError(502, "bedrock returned no message")
	}

	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}

	return sb.String(), nil
}

// HealthCheck is a no-op: Bedrock has no cheap unauthenticated probe and a
// real call would cost tokens.
func (c *Client) HealthCheck(ctx context.Context) error {
	return nil
}

func toProviderError(err error) error {
	status := 0
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}

	msg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		msg = apiErr.ErrorMessage()
	}

	return domain.NewProviderError(status, fmt.Sprintf("bedrock: %s", msg))
}
