// Package stream provides DynamoDB Streams handlers that keep index tables consistent
// with primary tables when records are deleted outside the mapper, for example
// by TTL expiry.
package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/adapter/dynamo"
	"github.com/jacentio/docmap/store"
)

// ttlPrincipal is the stream identity of deletions made by DynamoDB TTL.
const ttlPrincipal = "dynamodb.amazonaws.com"

// Handler removes the index entries of deleted records.
type Handler struct {
	store       *store.Store
	logger      zerolog.Logger
	expiredOnly bool
}

// Option configures a Handler.
type Option func(*Handler)

// ExpiredOnly restricts the handler to deletions made by TTL expiry. Records
// deleted through the mapper have their index entries removed already.
func ExpiredOnly() Option {
	return func(h *Handler) { h.expiredOnly = true }
}

// NewHandler creates a new stream handler.
func NewHandler(s *store.Store, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:  s,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleIndexCleanup processes DynamoDB stream events and drops the refs of
// removed records from the index tables of their model.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleIndexCleanup(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error().Err(err).Str("event_id", record.EventID).Msg("failed to process record")
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != string(events.DynamoDBOperationTypeRemove) {
		return nil
	}
	if h.expiredOnly && !expired(record) {
		return nil
	}

	table := tableFromARN(record.EventSourceArn)
	m, ok := h.store.Registry().ForTable(table)
	if !ok {
		h.logger.Debug().Str("table", table).Msg("no model for table, skipping")
		return nil
	}
	if len(m.Indexes()) == 0 {
		return nil
	}

	image := record.Change.OldImage
	if len(image) == 0 {
		h.logger.Warn().Str("table", table).Str("event_id", record.EventID).Msg("remove event without old image, check the stream view type")
		return nil
	}
	item, err := ConvertImage(image)
	if err != nil {
		return fmt.Errorf("convert image: %w", err)
	}
	if err := m.RemoveIndexEntries(ctx, item); err != nil {
		return fmt.Errorf("remove index entries of %s: %w", m.Name(), err)
	}

	h.logger.Info().Str("model", m.Name()).Int("indexes", len(m.Indexes())).Msg("index entries removed")
	return nil
}

func expired(record events.DynamoDBEventRecord) bool {
	id := record.UserIdentity
	return id != nil && id.Type == "Service" && id.PrincipalID == ttlPrincipal
}

// tableFromARN extracts the table name from a stream ARN such as
// "arn:aws:dynamodb:us-east-1:123456789012:table/docmap_user/stream/2024-01-01T00:00:00.000".
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}

// ConvertImage converts a DynamoDB stream image to a stored item.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) (adapter.Item, error) {
	raw := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertValue(v); av != nil {
			raw[k] = av
		}
	}
	return dynamo.UnmarshalItem(raw)
}

func convertValue(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	}
	return nil
}
