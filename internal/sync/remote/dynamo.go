package remote

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/models"
)

// DynamoConfig configures a DynamoTarget.
type DynamoConfig struct {
	Table    string `mapstructure:"table" yaml:"table"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"` // optional, for DynamoDB Local
}

// ddbAPI is the subset of the DynamoDB client used by DynamoTarget.
type ddbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoTarget replicates documents into a DynamoDB table keyed by
// (Collection, DocumentID). Versioning is enforced with condition
// expressions, so concurrent writers never overwrite a newer version.
type DynamoTarget struct {
	api   ddbAPI
	table string
	now   func() time.Time
}

// remoteItem is the stored shape of one document.
type remoteItem struct {
	Collection    string `dynamodbav:"Collection"`
	DocumentID    string `dynamodbav:"DocumentID"`
	Version       int64  `dynamodbav:"Version"`
	Payload       string `dynamodbav:"Payload"`
	PayloadSHA256 string `dynamodbav:"PayloadSHA256"`
	UserID        string `dynamodbav:"UserID,omitempty"`
	Mtime         int64  `dynamodbav:"Mtime"`
}

// NewDynamoTarget loads AWS configuration from the environment and
// creates a DynamoTarget.
func NewDynamoTarget(ctx context.Context, cfg DynamoConfig) (*DynamoTarget, error) {
	if cfg.Table == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "dynamodb table is required")
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
		},
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithHTTPClient(httpClient)}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "load aws config", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return newDynamoTarget(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

func newDynamoTarget(api ddbAPI, table string) *DynamoTarget {
	return &DynamoTarget{api: api, table: table, now: time.Now}
}

// Apply implements RemoteSyncTarget.
func (t *DynamoTarget) Apply(ctx context.Context, req models.ApplyRequest) (models.ApplyResult, error) {
	if req.OperationType == models.OpDelete {
		return t.delete(ctx, req)
	}
	return t.put(ctx, req)
}

func (t *DynamoTarget) put(ctx context.Context, req models.ApplyRequest) (models.ApplyResult, error) {
	item, err := attributevalue.MarshalMap(remoteItem{
		Collection:    req.TargetCollection,
		DocumentID:    req.DocumentID,
		Version:       req.ExpectedVersion,
		Payload:       string(req.Payload),
		PayloadSHA256: models.PayloadHash(req.Payload),
		UserID:        req.UserID,
		Mtime:         t.now().UnixMilli(),
	})
	if err != nil {
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrPermanentRemote, "marshal remote item", err)
	}

	_, err = t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(DocumentID) OR Version < :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": versionValue(req.ExpectedVersion),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return t.conditionResult(err, false)
	}
	return models.ApplyResult{Status: models.ApplyApplied, NewVersion: req.ExpectedVersion}, nil
}

func (t *DynamoTarget) delete(ctx context.Context, req models.ApplyRequest) (models.ApplyResult, error) {
	_, err := t.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(t.table),
		Key: map[string]types.AttributeValue{
			"Collection": &types.AttributeValueMemberS{Value: req.TargetCollection},
			"DocumentID": &types.AttributeValueMemberS{Value: req.DocumentID},
		},
		ConditionExpression: aws.String("attribute_exists(DocumentID) AND Version < :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": versionValue(req.ExpectedVersion),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return t.conditionResult(err, true)
	}
	return models.ApplyResult{Status: models.ApplyApplied, NewVersion: req.ExpectedVersion}, nil
}

// conditionResult turns a failed conditional write into a conflict, or
// into not_found for a delete of an absent item.
func (t *DynamoTarget) conditionResult(err error, isDelete bool) (models.ApplyResult, error) {
	var ccf *types.ConditionalCheckFailedException
	if !stderrors.As(err, &ccf) {
		return models.ApplyResult{}, classifyAWS(err)
	}
	if len(ccf.Item) == 0 {
		if isDelete {
			return models.ApplyResult{Status: models.ApplyNotFound}, nil
		}
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrTransientRemote, "condition failed without stored item", err)
	}

	var stored remoteItem
	if err := attributevalue.UnmarshalMap(ccf.Item, &stored); err != nil {
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrPermanentRemote, "unmarshal stored item", err)
	}
	return models.ApplyResult{
		Status:            models.ApplyConflict,
		RemoteVersion:     stored.Version,
		RemotePayloadHash: stored.PayloadSHA256,
	}, nil
}

func versionValue(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// throttleCodes are client-fault codes that are safe to retry.
var throttleCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"TransactionConflictException":           true,
}

// classifyAWS maps SDK errors onto the sync error codes.
func classifyAWS(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "dynamodb call timed out", err)
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case throttleCodes[apiErr.ErrorCode()]:
			return apperrors.Wrap(apperrors.ErrTransientRemote, "dynamodb throttled", err)
		case apiErr.ErrorFault() == smithy.FaultServer:
			return apperrors.Wrap(apperrors.ErrTransientRemote, "dynamodb server error", err)
		case apiErr.ErrorCode() == "AccessDeniedException" || apiErr.ErrorCode() == "UnrecognizedClientException":
			return apperrors.Wrap(apperrors.ErrPermanentRemote, "dynamodb auth",
				apperrors.Wrap(apperrors.ErrSyncAuthFailed, apiErr.ErrorCode(), err))
		default:
			return apperrors.Wrap(apperrors.ErrPermanentRemote, "dynamodb rejected write", err)
		}
	}
	return apperrors.Wrap(apperrors.ErrTransientRemote, "dynamodb unreachable", err)
}
