package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/jacentio/docmap/adapter"
)

const (
	// MaxBatchGetKeys is the BatchGetItem per-request key limit.
	MaxBatchGetKeys = 100

	// maxUnprocessedRetries bounds the UnprocessedKeys resubmission loop.
	maxUnprocessedRetries = 8

	defaultWaitTimeout = 2 * time.Minute
)

// ErrEmptyUpdate is returned by UpdateItem when the update changes nothing.
var ErrEmptyUpdate = errors.New("dynamo: update has no actions")

type keySchema struct {
	hash  string
	rng   string
	htype adapter.KeyType
	rtype adapter.KeyType
}

// Adapter implements adapter.Adapter over a DynamoDB client.
type Adapter struct {
	client      Client
	waitTimeout time.Duration

	mu      sync.RWMutex
	schemas map[string]keySchema
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithWaitTimeout bounds how long CreateTable and DeleteTable wait for the
// table to reach its final state.
func WithWaitTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.waitTimeout = d
		}
	}
}

// New creates an Adapter.
func New(client Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:      client,
		waitTimeout: defaultWaitTimeout,
		schemas:     make(map[string]keySchema),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ adapter.Adapter = (*Adapter)(nil)

// Write puts one item.
func (a *Adapter) Write(ctx context.Context, table string, item adapter.Item, opts adapter.WriteOptions) error {
	av, err := marshalItem(item)
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}
	if len(opts.UnlessExists) > 0 {
		conds := make([]expression.ConditionBuilder, len(opts.UnlessExists))
		for i, name := range opts.UnlessExists {
			conds[i] = expression.AttributeNotExists(expression.Name(name))
		}
		expr, err := expression.NewBuilder().WithCondition(allOf(conds)).Build()
		if err != nil {
			return fmt.Errorf("build condition: %w", err)
		}
		in.ConditionExpression = expr.Condition()
		in.ExpressionAttributeNames = expr.Names()
		in.ExpressionAttributeValues = expr.Values()
	}

	if _, err := a.client.PutItem(ctx, in); err != nil {
		return mapError(table, err)
	}
	return nil
}

// Read returns the item at key, or nil when absent.
func (a *Adapter) Read(ctx context.Context, table string, key adapter.Key, opts adapter.ReadOptions) (adapter.Item, error) {
	k, err := a.key(ctx, table, key)
	if err != nil {
		return nil, err
	}
	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            k,
		ConsistentRead: aws.Bool(opts.Consistent),
	})
	if err != nil {
		return nil, mapError(table, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return unmarshalItem(out.Item)
}

// Delete removes the item at key.
func (a *Adapter) Delete(ctx context.Context, table string, key adapter.Key) error {
	k, err := a.key(ctx, table, key)
	if err != nil {
		return err
	}
	if _, err := a.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       k,
	}); err != nil {
		return mapError(table, err)
	}
	return nil
}

// Query pages through every item sharing in.Hash.
func (a *Adapter) Query(ctx context.Context, table string, in adapter.QueryInput) ([]adapter.Item, error) {
	schema, err := a.schema(ctx, table)
	if err != nil {
		return nil, err
	}
	hv, err := expressionValue(in.Hash)
	if err != nil {
		return nil, fmt.Errorf("query %s: hash: %w", table, err)
	}
	keyCond := expression.Key(schema.hash).Equal(expression.Value(hv))
	if in.Range != nil {
		if schema.rng == "" {
			return nil, fmt.Errorf("query %s: range condition on table without range key", table)
		}
		rc, err := rangeKeyCondition(schema.rng, *in.Range)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		keyCond = keyCond.And(rc)
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	params := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(in.Consistent),
		ScanIndexForward:          aws.Bool(!in.Descending),
	}
	if in.Limit > 0 {
		params.Limit = aws.Int32(int32(in.Limit))
	}
	if in.StartKey != nil {
		if params.ExclusiveStartKey, err = a.key(ctx, table, *in.StartKey); err != nil {
			return nil, err
		}
	}

	var items []adapter.Item
	paginator := dynamodb.NewQueryPaginator(a.client, params)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(table, err)
		}
		for _, raw := range page.Items {
			item, err := unmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if in.Limit > 0 && len(items) >= in.Limit {
				return items, nil
			}
		}
	}
	return items, nil
}

// Scan pages through the table, filtering on attribute equality.
func (a *Adapter) Scan(ctx context.Context, table string, filter map[string]any, opts adapter.ScanOptions) ([]adapter.Item, error) {
	params := &dynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(opts.Consistent),
	}
	if len(filter) > 0 {
		names := make([]string, 0, len(filter))
		for name := range filter {
			names = append(names, name)
		}
		sort.Strings(names)
		conds := make([]expression.ConditionBuilder, 0, len(names))
		for _, name := range names {
			v, err := expressionValue(filter[name])
			if err != nil {
				return nil, fmt.Errorf("scan %s: filter %q: %w", table, name, err)
			}
			conds = append(conds, expression.Name(name).Equal(expression.Value(v)))
		}
		expr, err := expression.NewBuilder().WithFilter(allOf(conds)).Build()
		if err != nil {
			return nil, fmt.Errorf("build filter: %w", err)
		}
		params.FilterExpression = expr.Filter()
		params.ExpressionAttributeNames = expr.Names()
		params.ExpressionAttributeValues = expr.Values()
	}
	if opts.StartKey != nil {
		k, err := a.key(ctx, table, *opts.StartKey)
		if err != nil {
			return nil, err
		}
		params.ExclusiveStartKey = k
	}

	var items []adapter.Item
	paginator := dynamodb.NewScanPaginator(a.client, params)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(table, err)
		}
		for _, raw := range page.Items {
			item, err := unmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if opts.Limit > 0 && len(items) >= opts.Limit {
				return items, nil
			}
		}
	}
	return items, nil
}

// UpdateItem applies u and returns the full item afterwards.
func (a *Adapter) UpdateItem(ctx context.Context, table string, key adapter.Key, u adapter.Update) (adapter.Item, error) {
	if u.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	k, err := a.key(ctx, table, key)
	if err != nil {
		return nil, err
	}

	var ub expression.UpdateBuilder
	for _, name := range sortedKeys(u.Set) {
		v, err := expressionValue(u.Set[name])
		if err != nil {
			return nil, fmt.Errorf("update %s: set %q: %w", table, name, err)
		}
		ub = ub.Set(expression.Name(name), expression.Value(v))
	}
	for _, name := range sortedKeys(u.Add) {
		v, err := expressionValue(u.Add[name])
		if err != nil {
			return nil, fmt.Errorf("update %s: add %q: %w", table, name, err)
		}
		ub = ub.Add(expression.Name(name), expression.Value(v))
	}
	for _, name := range sortedKeys(u.Delete) {
		v, err := expressionValue(u.Delete[name])
		if err != nil {
			return nil, fmt.Errorf("update %s: delete %q: %w", table, name, err)
		}
		ub = ub.Delete(expression.Name(name), expression.Value(v))
	}
	for _, name := range u.Remove {
		ub = ub.Remove(expression.Name(name))
	}

	builder := expression.NewBuilder().WithUpdate(ub)
	if len(u.Expected) > 0 {
		conds := make([]expression.ConditionBuilder, 0, len(u.Expected))
		for _, name := range sortedKeys(u.Expected) {
			want := u.Expected[name]
			if want == nil {
				conds = append(conds, expression.AttributeNotExists(expression.Name(name)))
				continue
			}
			v, err := expressionValue(want)
			if err != nil {
				return nil, fmt.Errorf("update %s: expected %q: %w", table, name, err)
			}
			conds = append(conds, expression.Name(name).Equal(expression.Value(v)))
		}
		builder = builder.WithCondition(allOf(conds))
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}

	out, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       k,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, mapError(table, err)
	}
	return unmarshalItem(out.Attributes)
}

// BatchGet reads keys in chunks of MaxBatchGetKeys, resubmitting unprocessed keys.
func (a *Adapter) BatchGet(ctx context.Context, keys map[string][]adapter.Key, opts adapter.ReadOptions) (map[string][]adapter.Item, error) {
	result := make(map[string][]adapter.Item, len(keys))
	for table, tableKeys := range keys {
		for start := 0; start < len(tableKeys); start += MaxBatchGetKeys {
			end := min(start+MaxBatchGetKeys, len(tableKeys))
			chunk := make([]map[string]types.AttributeValue, 0, end-start)
			for _, key := range tableKeys[start:end] {
				k, err := a.key(ctx, table, key)
				if err != nil {
					return nil, err
				}
				chunk = append(chunk, k)
			}
			items, err := a.batchGetChunk(ctx, table, chunk, opts.Consistent)
			if err != nil {
				return nil, err
			}
			result[table] = append(result[table], items...)
		}
	}
	return result, nil
}

func (a *Adapter) batchGetChunk(ctx context.Context, table string, keys []map[string]types.AttributeValue, consistent bool) ([]adapter.Item, error) {
	request := map[string]types.KeysAndAttributes{
		table: {Keys: keys, ConsistentRead: aws.Bool(consistent)},
	}
	var items []adapter.Item
	for attempt := 0; len(request) > 0; attempt++ {
		if attempt > maxUnprocessedRetries {
			return nil, fmt.Errorf("batch get %s: unprocessed keys remain after %d attempts", table, attempt)
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt*50) * time.Millisecond):
			}
		}
		out, err := a.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
		if err != nil {
			return nil, mapError(table, err)
		}
		for _, raw := range out.Responses[table] {
			item, err := unmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		request = out.UnprocessedKeys
	}
	return items, nil
}

// CreateTable creates table and waits for it to become active. It reports
// false when the table already exists.
func (a *Adapter) CreateTable(ctx context.Context, table string, spec adapter.TableSpec) (bool, error) {
	in := &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(spec.HashKey), AttributeType: scalarType(spec.HashType)},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(spec.HashKey), KeyType: types.KeyTypeHash},
		},
	}
	if spec.RangeKey != "" {
		in.AttributeDefinitions = append(in.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(spec.RangeKey), AttributeType: scalarType(spec.RangeType),
		})
		in.KeySchema = append(in.KeySchema, types.KeySchemaElement{
			AttributeName: aws.String(spec.RangeKey), KeyType: types.KeyTypeRange,
		})
	}
	if spec.ReadCapacity > 0 && spec.WriteCapacity > 0 {
		in.BillingMode = types.BillingModeProvisioned
		in.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(spec.ReadCapacity),
			WriteCapacityUnits: aws.Int64(spec.WriteCapacity),
		}
	} else {
		in.BillingMode = types.BillingModePayPerRequest
	}

	if _, err := a.client.CreateTable(ctx, in); err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return false, nil
		}
		return false, fmt.Errorf("create table %s: %w", table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(a.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, a.waitTimeout); err != nil {
		return true, fmt.Errorf("wait for table %s: %w", table, err)
	}

	a.mu.Lock()
	a.schemas[table] = keySchema{hash: spec.HashKey, rng: spec.RangeKey, htype: spec.HashType, rtype: spec.RangeType}
	a.mu.Unlock()
	return true, nil
}

// DeleteTable deletes table and waits until it is gone.
func (a *Adapter) DeleteTable(ctx context.Context, table string) error {
	if _, err := a.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)}); err != nil {
		return mapError(table, err)
	}
	a.mu.Lock()
	delete(a.schemas, table)
	a.mu.Unlock()

	waiter := dynamodb.NewTableNotExistsWaiter(a.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, a.waitTimeout); err != nil {
		return fmt.Errorf("wait for table %s deletion: %w", table, err)
	}
	return nil
}

// TableExists reports whether table exists.
func (a *Adapter) TableExists(ctx context.Context, table string) (bool, error) {
	_, err := a.schema(ctx, table)
	if errors.Is(err, adapter.ErrTableNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListTables returns every table name visible to the client.
func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	paginator := dynamodb.NewListTablesPaginator(a.client, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		names = append(names, page.TableNames...)
	}
	return names, nil
}

// schema returns the key schema of table, describing it on first use.
func (a *Adapter) schema(ctx context.Context, table string) (keySchema, error) {
	a.mu.RLock()
	s, ok := a.schemas[table]
	a.mu.RUnlock()
	if ok {
		return s, nil
	}

	out, err := a.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		return keySchema{}, mapError(table, err)
	}
	if out.Table == nil {
		return keySchema{}, fmt.Errorf("%w: %s", adapter.ErrTableNotFound, table)
	}

	attrTypes := make(map[string]adapter.KeyType, len(out.Table.AttributeDefinitions))
	for _, def := range out.Table.AttributeDefinitions {
		kt := adapter.KeyString
		if def.AttributeType == types.ScalarAttributeTypeN {
			kt = adapter.KeyNumber
		}
		attrTypes[aws.ToString(def.AttributeName)] = kt
	}
	for _, el := range out.Table.KeySchema {
		name := aws.ToString(el.AttributeName)
		switch el.KeyType {
		case types.KeyTypeHash:
			s.hash, s.htype = name, attrTypes[name]
		case types.KeyTypeRange:
			s.rng, s.rtype = name, attrTypes[name]
		}
	}
	if s.hash == "" {
		return keySchema{}, fmt.Errorf("describe table %s: no hash key", table)
	}

	a.mu.Lock()
	a.schemas[table] = s
	a.mu.Unlock()
	return s, nil
}

func (a *Adapter) key(ctx context.Context, table string, key adapter.Key) (map[string]types.AttributeValue, error) {
	s, err := a.schema(ctx, table)
	if err != nil {
		return nil, err
	}
	hv, err := marshalValue(key.Hash)
	if err != nil {
		return nil, fmt.Errorf("key %s: hash: %w", table, err)
	}
	k := map[string]types.AttributeValue{s.hash: hv}
	if s.rng != "" {
		if key.Range == nil {
			return nil, fmt.Errorf("key %s: missing range value for %q", table, s.rng)
		}
		rv, err := marshalValue(key.Range)
		if err != nil {
			return nil, fmt.Errorf("key %s: range: %w", table, err)
		}
		k[s.rng] = rv
	}
	return k, nil
}

func rangeKeyCondition(name string, rc adapter.RangeCondition) (expression.KeyConditionBuilder, error) {
	key := expression.Key(name)
	if rc.Op == adapter.OpBeginsWith {
		prefix, ok := rc.Value.(string)
		if !ok {
			return expression.KeyConditionBuilder{}, fmt.Errorf("begins_with needs a string, got %T", rc.Value)
		}
		return key.BeginsWith(prefix), nil
	}
	v, err := expressionValue(rc.Value)
	if err != nil {
		return expression.KeyConditionBuilder{}, err
	}
	operand := expression.Value(v)
	switch rc.Op {
	case adapter.OpEq:
		return key.Equal(operand), nil
	case adapter.OpGT:
		return key.GreaterThan(operand), nil
	case adapter.OpLT:
		return key.LessThan(operand), nil
	case adapter.OpGTE:
		return key.GreaterThanEqual(operand), nil
	case adapter.OpLTE:
		return key.LessThanEqual(operand), nil
	}
	return expression.KeyConditionBuilder{}, fmt.Errorf("unsupported range operator %s", rc.Op)
}

func allOf(conds []expression.ConditionBuilder) expression.ConditionBuilder {
	if len(conds) == 1 {
		return conds[0]
	}
	return expression.And(conds[0], conds[1], conds[2:]...)
}

func scalarType(kt adapter.KeyType) types.ScalarAttributeType {
	if kt == adapter.KeyNumber {
		return types.ScalarAttributeTypeN
	}
	return types.ScalarAttributeTypeS
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mapError translates SDK errors into adapter sentinels.
func mapError(table string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s: %v", adapter.ErrConditionalCheckFailed, table, err)
	}
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("%w: %s", adapter.ErrTableNotFound, table)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
		return fmt.Errorf("%w: %s", adapter.ErrTableNotFound, table)
	}
	return fmt.Errorf("%s: %w", table, err)
}
