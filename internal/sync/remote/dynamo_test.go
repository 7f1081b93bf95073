package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/models"
)

type fakeDynamo struct {
	puts    []*dynamodb.PutItemInput
	deletes []*dynamodb.DeleteItemInput
	err     error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deletes = append(f.deletes, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func storedItem(t *testing.T, version int64, hash string) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(remoteItem{
		Collection: models.CollectionBills, DocumentID: "b1", Version: version, PayloadSHA256: hash,
	})
	require.NoError(t, err)
	return item
}

func TestDynamoTarget_putApplied(t *testing.T) {
	api := &fakeDynamo{}
	target := newDynamoTarget(api, "sync_documents")

	res, err := target.Apply(context.Background(), put("p1", 5, `{"name":"tea"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ApplyApplied, res.Status)
	assert.EqualValues(t, 5, res.NewVersion)

	require.Len(t, api.puts, 1)
	in := api.puts[0]
	assert.Equal(t, "sync_documents", *in.TableName)
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "5"}, in.ExpressionAttributeValues[":v"])

	var item remoteItem
	require.NoError(t, attributevalue.UnmarshalMap(in.Item, &item))
	assert.Equal(t, "p1", item.DocumentID)
	assert.Equal(t, models.PayloadHash([]byte(`{"name":"tea"}`)), item.PayloadSHA256)
}

func TestDynamoTarget_conflict(t *testing.T) {
	api := &fakeDynamo{err: &types.ConditionalCheckFailedException{Item: storedItem(t, 8, "h8")}}
	target := newDynamoTarget(api, "t")

	res, err := target.Apply(context.Background(), put("b1", 5, `{}`))
	require.NoError(t, err)
	assert.Equal(t, models.ApplyConflict, res.Status)
	assert.EqualValues(t, 8, res.RemoteVersion)
	assert.Equal(t, "h8", res.RemotePayloadHash)
}

func TestDynamoTarget_deleteMissing(t *testing.T) {
	api := &fakeDynamo{err: &types.ConditionalCheckFailedException{}}
	target := newDynamoTarget(api, "t")

	res, err := target.Apply(context.Background(), models.ApplyRequest{
		OperationType: models.OpDelete, TargetCollection: models.CollectionBills, DocumentID: "b1", ExpectedVersion: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApplyNotFound, res.Status)
	require.Len(t, api.deletes, 1)
}

func TestDynamoTarget_errorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.ErrorCode
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}, apperrors.ErrTransientRemote},
		{"server fault", &smithy.GenericAPIError{Code: "InternalServerError", Fault: smithy.FaultServer}, apperrors.ErrTransientRemote},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Fault: smithy.FaultClient}, apperrors.ErrPermanentRemote},
		{"auth", &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}, apperrors.ErrSyncAuthFailed},
		{"timeout", context.DeadlineExceeded, apperrors.ErrSyncTimeout},
		{"network", errors.New("dial tcp: connection refused"), apperrors.ErrTransientRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newDynamoTarget(&fakeDynamo{err: tt.err}, "t")
			_, err := target.Apply(context.Background(), put("p1", 1, `{}`))
			assert.True(t, apperrors.Is(err, tt.want), "got %v", err)
		})
	}
}
