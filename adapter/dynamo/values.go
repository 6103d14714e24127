package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/docmap/adapter"
)

// rawValue lets a prepared AttributeValue pass through the expression builder unchanged.
type rawValue struct {
	av types.AttributeValue
}

func (r rawValue) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return r.av, nil
}

// marshalValue converts a wire value to an AttributeValue. Sets become SS/NS
// rather than lists.
func marshalValue(v any) (types.AttributeValue, error) {
	switch x := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}, nil
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(x)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'f', -1, 64)}, nil
	case []string:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), x...)}, nil
	case []float64:
		nums := make([]string, len(x))
		for i, f := range x {
			nums[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return &types.AttributeValueMemberNS{Value: nums}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return av, nil
}

func expressionValue(v any) (rawValue, error) {
	av, err := marshalValue(v)
	if err != nil {
		return rawValue{}, err
	}
	return rawValue{av: av}, nil
}

// unmarshalValue converts an AttributeValue to its wire value. Integral
// numbers decode to int64 so large integers keep their precision.
func unmarshalValue(av types.AttributeValue) (any, error) {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return x.Value, nil
	case *types.AttributeValueMemberN:
		return parseNumber(x.Value)
	case *types.AttributeValueMemberSS:
		return append([]string(nil), x.Value...), nil
	case *types.AttributeValueMemberNS:
		out := make([]float64, len(x.Value))
		for i, s := range x.Value {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse number set member %q: %w", s, err)
			}
			out[i] = f
		}
		return out, nil
	case *types.AttributeValueMemberBOOL:
		return x.Value, nil
	case *types.AttributeValueMemberNULL:
		return nil, nil
	}
	var out any
	if err := attributevalue.Unmarshal(av, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", av, err)
	}
	return out, nil
}

func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse number %q: %w", s, err)
	}
	return f, nil
}

func marshalItem(item adapter.Item) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		if v == nil {
			continue
		}
		av, err := marshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

func unmarshalItem(raw map[string]types.AttributeValue) (adapter.Item, error) {
	out := make(adapter.Item, len(raw))
	for k, av := range raw {
		v, err := unmarshalValue(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// UnmarshalItem converts a raw DynamoDB item to the adapter wire form.
func UnmarshalItem(raw map[string]types.AttributeValue) (adapter.Item, error) {
	return unmarshalItem(raw)
}
